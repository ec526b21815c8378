package toolbridge

import (
	"fmt"
	"math"
)

// ConfirmOrderTool is the name of the order confirmation tool.
const ConfirmOrderTool = "confirm_order"

// totalTolerance is how far, in yen, a stated total may differ from the sum
// of its line items.
const totalTolerance = 1.0

// LineItem is one position of an order.
type LineItem struct {
	Name      string  `json:"name" jsonschema:"minLength=1,description=Menu item name"`
	Quantity  int     `json:"quantity" jsonschema:"minimum=1"`
	UnitPrice float64 `json:"unit_price,omitempty" jsonschema:"minimum=0,description=Price of one item in yen; may be omitted for menu items"`
}

// OrderSummary is the compiled order the agent asks the customer to confirm.
type OrderSummary struct {
	Items        []LineItem `json:"items" jsonschema:"minItems=1"`
	Total        float64    `json:"total" jsonschema:"minimum=0,description=Order total in yen"`
	CustomerName string     `json:"customer_name,omitempty"`
	PickupTime   string     `json:"pickup_time,omitempty" jsonschema:"description=Requested pickup time as spoken"`
}

// Sum returns the total of the line items.
func (o OrderSummary) Sum() float64 {
	var sum float64
	for _, it := range o.Items {
		sum += float64(it.Quantity) * it.UnitPrice
	}
	return sum
}

// NewConfirmOrder returns the confirm_order tool. With a non-empty catalog,
// item names are replaced by their canonical menu names, unknown items are
// rejected and missing unit prices are taken from the menu.
func NewConfirmOrder(catalog *Catalog) (*Tool, error) {
	return NewTool(ConfirmOrderTool,
		"Confirm the customer's compiled order once they have agreed to it.",
		func(o *OrderSummary) []string {
			var problems []string
			if catalog != nil && catalog.Len() > 0 {
				for i := range o.Items {
					item, _, ok := catalog.Lookup(o.Items[i].Name)
					if !ok {
						problems = append(problems, fmt.Sprintf("items.%d.name: %q is not on the menu", i, o.Items[i].Name))
						continue
					}
					o.Items[i].Name = item.Name
					if o.Items[i].UnitPrice == 0 {
						o.Items[i].UnitPrice = item.Price
					}
				}
			}
			if sum := o.Sum(); math.Abs(sum-o.Total) > totalTolerance {
				problems = append(problems, fmt.Sprintf("total: %.0f does not match the items (%.0f)", o.Total, sum))
			}
			return problems
		})
}
