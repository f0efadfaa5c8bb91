package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/aegisgate/aegisgate/internal/kv/memory"
)

func TestDirectory_PutGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := NewDirectory(memory.NewStore())

	ident := &Identity{
		ID:     "user-1",
		Kind:   KindUser,
		Role:   RoleUser,
		Scopes: []string{"content.read"},
		Tier:   TierPro,
	}
	if err := dir.Put(ctx, ident); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := dir.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Role != RoleUser || got.Tier != TierPro || !got.HasScope("content.read") {
		t.Errorf("Get() = %+v, want stored identity", got)
	}

	if err := dir.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := dir.Get(ctx, "user-1"); !errors.Is(err, ErrIdentityNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrIdentityNotFound", err)
	}
}

func TestDirectory_GetUnknown(t *testing.T) {
	t.Parallel()

	dir := NewDirectory(memory.NewStore())

	if _, err := dir.Get(context.Background(), "nonesuch"); !errors.Is(err, ErrIdentityNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrIdentityNotFound", err)
	}
}

func TestIdentity_Helpers(t *testing.T) {
	t.Parallel()

	agent := &Identity{Kind: KindAgent, Scopes: []string{"content.read"}}
	if !agent.IsAgent() {
		t.Error("IsAgent() = false for agent")
	}
	if agent.HasScope("content.delete") {
		t.Error("HasScope() = true for ungranted scope")
	}

	if !RoleService.IsValid() || Role("root").IsValid() {
		t.Error("Role.IsValid() misclassifies")
	}
	if !TierEnterprise.IsValid() || Tier("platinum").IsValid() {
		t.Error("Tier.IsValid() misclassifies")
	}
}
