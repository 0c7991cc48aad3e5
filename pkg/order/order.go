// Package order holds the order vocabulary shared by the voucher, gift card and
// discount services. Orders themselves live outside this system.
package order

type Type string

const (
	ServiceBooking Type = "service_booking"
	ProductOrder   Type = "product_order"
)

func (t Type) Valid() bool {
	return t == ServiceBooking || t == ProductOrder
}
