package escrow

import (
	"context"
	"errors"
	"testing"
)

func TestRepositoryMalformedIDTreatedAsAbsent(t *testing.T) {
	r := NewRepository(nil)
	ctx := context.Background()

	if _, err := r.Get(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// fakeTx panics on any query, so the guard must fire before the row lock.
	if _, err := r.GetForUpdate(ctx, &fakeTx{}, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertRejectsMalformedPartyIDs(t *testing.T) {
	r := NewRepository(nil)
	valid := "5f0c1a54-93c1-4a5e-b9be-3b0d0f9f6b1a"

	for _, params := range []CreateParams{
		{PayerID: "payer", PayeeID: valid, AmountCents: 100, Currency: "USD"},
		{PayerID: valid, PayeeID: "payee", AmountCents: 100, Currency: "USD"},
	} {
		if _, err := r.Insert(context.Background(), &fakeTx{}, params); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for %+v, got %v", params, err)
		}
	}
}
