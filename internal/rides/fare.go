package rides

import (
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Tariff prices a trip in minor currency units.
type Tariff struct {
	Base    int64
	PerKm   int64
	Minimum int64
}

// FareTable is a flat per-class tariff over straight-line distance.
type FareTable struct {
	Currency string
	Tariffs  map[models.VehicleClass]Tariff
}

func DefaultFares() FareTable {
	return FareTable{
		Currency: "USD",
		Tariffs: map[models.VehicleClass]Tariff{
			models.VehicleBike:   {Base: 100, PerKm: 60, Minimum: 200},
			models.VehicleAuto:   {Base: 150, PerKm: 90, Minimum: 300},
			models.VehicleCar:    {Base: 250, PerKm: 150, Minimum: 500},
			models.VehicleSUV:    {Base: 400, PerKm: 220, Minimum: 800},
			models.VehicleLuxury: {Base: 700, PerKm: 350, Minimum: 1500},
		},
	}
}

// Supports reports whether class has a tariff.
func (f FareTable) Supports(class models.VehicleClass) bool {
	_, ok := f.Tariffs[class]
	return ok
}

func (f FareTable) Estimate(class models.VehicleClass, from, to models.Coord) (models.Money, error) {
	t, ok := f.Tariffs[class]
	if !ok {
		return models.Money{}, fmt.Errorf("vehicle class %q: %w", class, errs.ErrInvalidInput)
	}
	km := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / 1000
	amount := t.Base + int64(math.Ceil(km*float64(t.PerKm)))
	if amount < t.Minimum {
		amount = t.Minimum
	}
	return models.Money{Amount: amount, Currency: f.Currency}, nil
}
