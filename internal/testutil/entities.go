package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
)

// Customer is the referenced entity of the fixtures.
var Customer = &entity.Descriptor{
	Name: "Customer",
	Key:  "id",
	Properties: []entity.Property{
		{Name: "id", Kind: ir.KindInt},
		{Name: "name", Kind: ir.KindString},
	},
}

// Order is the main entity of the fixtures. It references Customer, embeds
// an address and holds a list of tags.
var Order = &entity.Descriptor{
	Name: "Order",
	Key:  "id",
	Properties: []entity.Property{
		{Name: "id", Kind: ir.KindInt},
		{Name: "status", Kind: ir.KindString},
		{Name: "total", Kind: ir.KindInt},
		{Name: "customer", Kind: ir.KindInt, Ref: "Customer"},
		{Name: "address", Embedded: &entity.Descriptor{
			Name: "Address",
			Properties: []entity.Property{
				{Name: "city", Kind: ir.KindString},
				{Name: "zip", Kind: ir.KindString},
			},
		}},
		{Name: "tags", Kind: ir.KindString, Collection: true},
	},
}

// Registry returns a registry holding Customer and Order.
func Registry(t testing.TB) *entity.Registry {
	t.Helper()
	reg, err := entity.NewRegistry(Customer, Order)
	require.NoError(t, err)
	return reg
}

// Orders returns version 1 orders with ids 1..n and the given totals.
// Statuses alternate NEW, PAID starting with NEW; every order belongs to
// customer 7 in Oslo.
func Orders(totals ...int) []ir.Object {
	out := make([]ir.Object, len(totals))
	for i, total := range totals {
		status := "NEW"
		if i%2 == 1 {
			status = "PAID"
		}
		out[i] = ir.Object{
			"id":       ir.Int(i + 1),
			"status":   ir.String(status),
			"total":    ir.Int(total),
			"customer": ir.Int(7),
			"address":  ir.Object{"city": ir.String("Oslo"), "zip": ir.String("0150")},
			"version":  ir.Int(1),
		}
	}
	return out
}

// Customers returns version 1 customers keyed by id.
func Customers(names map[int]string) []ir.Object {
	out := make([]ir.Object, 0, len(names))
	for id, name := range names {
		out = append(out, ir.Object{
			"id":      ir.Int(id),
			"name":    ir.String(name),
			"version": ir.Int(1),
		})
	}
	return out
}

// Totals extracts the total of each order-shaped value.
func Totals(t testing.TB, vals []ir.Value) []int64 {
	t.Helper()
	out := make([]int64, len(vals))
	for i, v := range vals {
		obj, ok := v.(ir.Object)
		require.True(t, ok, "result %d is %T", i, v)
		total, ok := obj["total"].(ir.Int)
		require.True(t, ok, "result %d total is %T", i, obj["total"])
		out[i] = int64(total)
	}
	return out
}

// Values converts records to values.
func Values(recs []ir.Object) []ir.Value {
	out := make([]ir.Value, len(recs))
	for i, r := range recs {
		out[i] = r
	}
	return out
}
