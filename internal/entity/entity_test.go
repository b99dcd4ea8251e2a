package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/twinsync/internal/codec"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE widgets (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		price TEXT,
		active INTEGER NOT NULL DEFAULT 0,
		day TEXT,
		meta TEXT,
		updated_at TEXT
	)`)
	if err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	return db
}

func widget() *Entity {
	return Table("shop.widget", "widgets", "id", "updated_at",
		Field{Name: "id", Kind: KindInt},
		Field{Name: "name", Kind: KindString},
		Field{Name: "price", Kind: KindDecimal},
		Field{Name: "active", Kind: KindBool},
		Field{Name: "day", Kind: KindDate},
		Field{Name: "meta", Kind: KindJSON},
		Field{Name: "updated_at", Kind: KindDateTime},
	)
}

func TestCoerce(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	id := uuid.New()
	cases := []struct {
		kind Kind
		raw  any
		want any
	}{
		{KindInt, json.Number("42"), int64(42)},
		{KindInt, 42.0, int64(42)},
		{KindInt, " 7 ", int64(7)},
		{KindInt, "seven", "seven"},
		{KindForeignKey, json.Number("3"), int64(3)},
		{KindFloat, json.Number("1.25"), 1.25},
		{KindBool, "YES", true},
		{KindBool, "off", false},
		{KindBool, json.Number("1"), true},
		{KindBool, "maybe", "maybe"},
		{KindDateTime, "2026-02-25T10:00:00+00:00", ts},
		{KindDateTime, "garbage", "garbage"},
		{KindDate, "2026-02-25", codec.Date{Year: 2026, Month: time.February, Day: 25}},
		{KindTime, "08:15", codec.TimeOfDay{Hour: 8, Minute: 15}},
		{KindUUID, id.String(), id},
		{KindUUID, "nope", "nope"},
		{KindBytes, "aGk=", []byte("hi")},
		{KindString, json.Number("5"), "5"},
	}
	for _, tc := range cases {
		f := Field{Name: "x", Kind: tc.kind}
		got := f.Coerce(tc.raw)
		switch want := tc.want.(type) {
		case time.Time:
			gt, ok := got.(time.Time)
			if !ok || !gt.Equal(want) {
				t.Errorf("Coerce(%s, %v) = %v, want %v", tc.kind, tc.raw, got, want)
			}
		case []byte:
			if gb, ok := got.([]byte); !ok || string(gb) != string(want) {
				t.Errorf("Coerce(%s, %v) = %v, want %v", tc.kind, tc.raw, got, want)
			}
		default:
			if got != tc.want {
				t.Errorf("Coerce(%s, %v) = %#v, want %#v", tc.kind, tc.raw, got, tc.want)
			}
		}
	}

	d, ok := Field{Kind: KindDecimal}.Coerce("12.50").(*apd.Decimal)
	if !ok || d.String() != "12.50" {
		t.Errorf("Coerce(decimal) = %v, want 12.50", d)
	}
	if got := (Field{Kind: KindInt}).Coerce(nil); got != nil {
		t.Errorf("Coerce(nil) = %v, want nil", got)
	}
}

func TestTableSaveLoad(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	e := widget()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := Now
	Now = func() time.Time { return fixed }
	t.Cleanup(func() { Now = old })

	price, _, _ := apd.NewFromString("9.99")
	saved, err := e.Save(ctx, db, Record{
		"name":   "sprocket",
		"price":  price,
		"active": true,
		"day":    codec.Date{Year: 2026, Month: time.January, Day: 2},
		"meta":   map[string]any{"tags": []any{"a"}},
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	pk, ok := e.PKString(saved)
	if !ok || pk != "1" {
		t.Fatalf("PKString = %q, %v; want 1", pk, ok)
	}

	got, err := e.Load(ctx, db, pk)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got["name"] != "sprocket" {
		t.Errorf("name = %v, want sprocket", got["name"])
	}
	if got["active"] != true {
		t.Errorf("active = %v, want true", got["active"])
	}
	if d, ok := got["price"].(*apd.Decimal); !ok || d.String() != "9.99" {
		t.Errorf("price = %v, want 9.99", got["price"])
	}
	if got["day"] != (codec.Date{Year: 2026, Month: time.January, Day: 2}) {
		t.Errorf("day = %v", got["day"])
	}
	if mod, ok := e.ModifiedAt(got); !ok || !mod.Equal(fixed) {
		t.Errorf("ModifiedAt = %v, want %v", mod, fixed)
	}
	meta, ok := got["meta"].(map[string]any)
	if !ok || len(meta["tags"].([]any)) != 1 {
		t.Errorf("meta = %v", got["meta"])
	}

	got["name"] = "gear"
	if _, err := e.Save(ctx, db, got); err != nil {
		t.Fatalf("Save update failed: %v", err)
	}
	reloaded, _ := e.Load(ctx, db, "1")
	if reloaded["name"] != "gear" {
		t.Errorf("name after update = %v, want gear", reloaded["name"])
	}
}

func TestTableStampDeleteList(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	e := widget()

	for _, id := range []int64{3, 1, 2} {
		if _, err := e.Save(ctx, db, Record{"id": id, "name": "w"}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := e.Stamp(ctx, db, "2", at); err != nil {
		t.Fatalf("Stamp failed: %v", err)
	}
	rec, _ := e.Load(ctx, db, "2")
	if mod, _ := e.ModifiedAt(rec); !mod.Equal(at) {
		t.Errorf("stamped = %v, want %v", mod, at)
	}

	all, err := e.List(ctx, db)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 || all[0]["id"] != int64(1) || all[2]["id"] != int64(3) {
		t.Errorf("List order = %v", all)
	}

	removed, err := e.Delete(ctx, db, "3")
	if err != nil || !removed {
		t.Fatalf("Delete = %v, %v", removed, err)
	}
	removed, _ = e.Delete(ctx, db, "3")
	if removed {
		t.Error("second Delete reported a removal")
	}
	if _, err := e.Load(ctx, db, "3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete = %v, want ErrNotFound", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(widget()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(widget()); err == nil {
		t.Error("duplicate Register should fail")
	}
	if err := r.Register(&Entity{Label: "x.y"}); err == nil {
		t.Error("Register without primary key should fail")
	}
	if _, ok := r.Lookup("shop.widget"); !ok {
		t.Error("Lookup(shop.widget) missed")
	}
	if _, ok := r.Lookup("shop.gadget"); ok {
		t.Error("Lookup(shop.gadget) should miss")
	}
	if labels := r.Labels(); len(labels) != 1 || labels[0] != "shop.widget" {
		t.Errorf("Labels = %v", labels)
	}
}
