package config

import "github.com/validata-io/validata/internal/rules"

func floatPtr(v float64) *float64 { return &v }

// DefaultTables returns the built-in customer and order profiles used when
// no tables are configured.
func DefaultTables() []TableConfig {
	return []TableConfig{
		{
			Name:  "customers",
			Table: "customers",
			Columns: []ColumnConfig{
				{Field: "customer_code", Column: "customer_code"},
				{Field: "name", Column: "name"},
				{Field: "email", Column: "email"},
				{Field: "phone", Column: "phone"},
				{Field: "country", Column: "country"},
				{Field: "segment", Column: "segment"},
				{Field: "credit_limit", Column: "credit_limit"},
			},
			Rules: []rules.Config{
				{Kind: "REQUIRED", Field: "customer_code"},
				{Kind: "REQUIRED", Field: "name"},
				{Kind: "FORMAT", Field: "email", Pattern: `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, Message: "email must be a valid email address"},
				{Kind: "FORMAT", Field: "phone", Pattern: `\+?[\d\s-]{10,20}`, Message: "invalid phone format"},
				{Kind: "LENGTH", Field: "customer_code", MaxLength: 64},
				{Kind: "RANGE", Field: "credit_limit", Min: floatPtr(0), Max: floatPtr(10_000_000)},
				{Kind: "DUPLICATE", Field: "customer_code"},
			},
		},
		{
			Name:  "orders",
			Table: "orders",
			Columns: []ColumnConfig{
				{Field: "order_number", Column: "order_number"},
				{Field: "customer_id", Column: "customer_id"},
				{Field: "order_date", Column: "order_date"},
				{Field: "total_amount", Column: "total_amount"},
				{Field: "status", Column: "status"},
			},
			Rules: []rules.Config{
				{Kind: "REQUIRED", Field: "order_number"},
				{Kind: "REQUIRED", Field: "customer_id"},
				{Kind: "REQUIRED", Field: "order_date"},
				{Kind: "FORMAT", Field: "order_date", Pattern: `\d{4}-\d{2}-\d{2}`, Message: "order_date must be a valid date (yyyy-mm-dd)"},
				{Kind: "REQUIRED", Field: "total_amount"},
				{Kind: "RANGE", Field: "total_amount", Min: floatPtr(0)},
				{Kind: "FORMAT", Field: "status", Pattern: `pending|confirmed|shipped|delivered|cancelled`, Message: "status must be one of: pending, confirmed, shipped, delivered, cancelled"},
				{Kind: "DUPLICATE", Field: "order_number"},
			},
		},
	}
}
