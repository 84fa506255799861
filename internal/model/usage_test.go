package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWeekStartUTC(t *testing.T) {
	// 2026-08-28 is a Friday; the week starts Monday 2026-08-24 00:00 UTC.
	friday := time.Date(2026, 8, 28, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), WeekStartUTC(friday))

	// A Monday maps to itself at midnight.
	monday := time.Date(2026, 8, 24, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), WeekStartUTC(monday))

	// A Sunday belongs to the week that started six days earlier.
	sunday := time.Date(2026, 8, 30, 0, 0, 1, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), WeekStartUTC(sunday))

	// Non-UTC input is normalized to UTC before truncation.
	loc := time.FixedZone("UTC+9", 9*3600)
	tokyoMondayMorning := time.Date(2026, 8, 24, 8, 0, 0, 0, loc) // 2026-08-23 23:00 UTC, still Sunday.
	assert.Equal(t, time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC), WeekStartUTC(tokyoMondayMorning))
}

func TestMonthStartUTC(t *testing.T) {
	d := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), MonthStartUTC(d))
}

func TestCatalogLookup(t *testing.T) {
	info, ok := Lookup(ModelGPT5)
	assert.True(t, ok)
	assert.Equal(t, ProviderOpenAI, info.Provider)
	assert.True(t, info.SupportsFiles)

	_, ok = Lookup(ModelID("no-such-model"))
	assert.False(t, ok)

	assert.Error(t, ValidateModelID("no-such-model"))
	assert.NoError(t, ValidateModelID(ModelDeepSeek))

	// The adjustment pseudo-model stays outside the catalog.
	assert.Error(t, ValidateModelID(AdjustmentModelID))

	assert.Len(t, AllModels(), 5)
}
