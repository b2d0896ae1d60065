package cloud

import (
	"context"
	"time"
)

// SpotPrice is one provider-reported spot price sample
type SpotPrice struct {
	InstanceType     string
	AvailabilityZone string
	Price            float64
	Timestamp        time.Time
}

// PriceSource exposes the provider's own spot price history. Used to
// keep pool headline prices fresh for pools no agent is reporting on.
type PriceSource interface {
	SpotPriceHistory(ctx context.Context, instanceType, az string, since time.Time) ([]SpotPrice, error)
}
