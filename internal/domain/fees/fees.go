// Package fees computes the amounts charged for a caregiver gig purchase.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type ServiceType string

const (
	ServiceOneTime ServiceType = "one-time"
	ServiceWeekly  ServiceType = "weekly"
	ServiceMonthly ServiceType = "monthly"
)

// ParseServiceType returns an error for anything outside the closed set.
func ParseServiceType(s string) (ServiceType, error) {
	switch ServiceType(s) {
	case ServiceOneTime, ServiceWeekly, ServiceMonthly:
		return ServiceType(s), nil
	}
	return "", fmt.Errorf("unknown service type %q", s)
}

// Recurring reports whether the service type renews on a cycle.
func (t ServiceType) Recurring() bool {
	switch t {
	case ServiceWeekly, ServiceMonthly:
		return true
	case ServiceOneTime:
		return false
	}
	return false
}

const (
	MinFrequency = 1
	MaxFrequency = 7

	// weeks billed per monthly cycle
	weeksPerMonth = 4
)

// Policy holds the commercial rates. Amounts are in major currency units.
type Policy struct {
	ServiceChargeRate decimal.Decimal
	GatewayFeeRate    decimal.Decimal
	GatewayFeeCap     decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		ServiceChargeRate: decimal.RequireFromString("0.10"),
		GatewayFeeRate:    decimal.RequireFromString("0.014"),
		GatewayFeeCap:     decimal.NewFromInt(2000),
	}
}

// Breakdown is the fee snapshot stored with payments and subscriptions.
type Breakdown struct {
	BasePrice     decimal.Decimal `json:"base_price"`
	OrderFee      decimal.Decimal `json:"order_fee"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	GatewayFee    decimal.Decimal `json:"gateway_fee"`
	Total         decimal.Decimal `json:"total"`
}

// Calculate derives the order fee, service charge, gateway fee and total.
// Callers validate service type and frequency first; invalid input is still rejected here.
func (p Policy) Calculate(basePrice decimal.Decimal, serviceType ServiceType, frequency int) (Breakdown, error) {
	if !basePrice.IsPositive() {
		return Breakdown{}, fmt.Errorf("base price must be positive, got %s", basePrice)
	}
	if frequency < MinFrequency || frequency > MaxFrequency {
		return Breakdown{}, fmt.Errorf("frequency must be between %d and %d, got %d", MinFrequency, MaxFrequency, frequency)
	}

	var orderFee decimal.Decimal
	switch serviceType {
	case ServiceOneTime:
		orderFee = basePrice
	case ServiceWeekly:
		orderFee = basePrice.Mul(decimal.NewFromInt(int64(frequency)))
	case ServiceMonthly:
		orderFee = basePrice.Mul(decimal.NewFromInt(int64(frequency * weeksPerMonth)))
	default:
		return Breakdown{}, fmt.Errorf("unknown service type %q", serviceType)
	}
	orderFee = orderFee.Round(2)

	serviceCharge := orderFee.Mul(p.ServiceChargeRate).Round(2)
	gatewayFee := decimal.Min(orderFee.Add(serviceCharge).Mul(p.GatewayFeeRate).Round(2), p.GatewayFeeCap)

	return Breakdown{
		BasePrice:     basePrice,
		OrderFee:      orderFee,
		ServiceCharge: serviceCharge,
		GatewayFee:    gatewayFee,
		Total:         orderFee.Add(serviceCharge).Add(gatewayFee),
	}, nil
}

// Calculate uses the default policy.
func Calculate(basePrice decimal.Decimal, serviceType ServiceType, frequency int) (Breakdown, error) {
	return DefaultPolicy().Calculate(basePrice, serviceType, frequency)
}
