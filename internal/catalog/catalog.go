// Package catalog holds the reference-data entities replicated between
// nodes.
package catalog

import "github.com/kalambet/twinsync/internal/entity"

const HolidayLabel = "core.holiday"

// Holiday is a dated public holiday, optionally recurring every year.
func Holiday() *entity.Entity {
	return entity.Table(HolidayLabel, "holidays", "id", "updated_at",
		entity.Field{Name: "id", Kind: entity.KindInt},
		entity.Field{Name: "name", Kind: entity.KindString},
		entity.Field{Name: "date", Kind: entity.KindDate},
		entity.Field{Name: "recurring", Kind: entity.KindBool},
		entity.Field{Name: "country_id", Kind: entity.KindForeignKey},
		entity.Field{Name: "updated_at", Kind: entity.KindDateTime},
	)
}

// Register adds the catalog entities to r.
func Register(r *entity.Registry) error {
	return r.Register(Holiday())
}
