package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/entity"
	"github.com/kalambet/twinsync/internal/storage"
)

func TestHolidayRoundTrip(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	r := entity.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	h, ok := r.Lookup(HolidayLabel)
	if !ok {
		t.Fatal("holiday not registered")
	}

	ctx := context.Background()
	saved, err := h.Save(ctx, s.Querier(), entity.Record{
		"id":         int64(99),
		"name":       "New Year",
		"date":       codec.Date{Year: 2026, Month: time.January, Day: 1},
		"recurring":  true,
		"country_id": int64(1),
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, ok := h.ModifiedAt(saved); !ok {
		t.Error("Save did not stamp updated_at")
	}

	got, err := h.Load(ctx, s.Querier(), "99")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got["name"] != "New Year" || got["recurring"] != true || got["country_id"] != int64(1) {
		t.Errorf("Load = %v", got)
	}
	if got["date"] != (codec.Date{Year: 2026, Month: time.January, Day: 1}) {
		t.Errorf("date = %v", got["date"])
	}
}
