package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/Lllllllleong/documentmerger/internal/models"
)

var qtyCleaner = regexp.MustCompile(`[^\d.]`)

var (
	refFields  = []string{"line_ref", "line", "line_no", "item_no", "no", "item"}
	descFields = []string{"description", "desc", "item_description", "product"}
	partFields = []string{"part_no", "part_number", "code", "item_code", "sku"}
	qtyFields  = []string{"quantity", "qty", "quantity_delivered", "quantity_invoiced"}
)

// ParseQuantity strips every non-numeric token and parses the rest. Anything
// unparseable is zero.
func ParseQuantity(v any) decimal.Decimal {
	var s string
	switch q := v.(type) {
	case nil:
		return decimal.Zero
	case float64:
		return decimal.NewFromFloat(q)
	case json.Number:
		s = q.String()
	case string:
		s = q
	default:
		s = fmt.Sprint(q)
	}
	d, err := decimal.NewFromString(qtyCleaner.ReplaceAllString(s, ""))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func firstString(rec map[string]any, fields []string) string {
	for _, f := range fields {
		v, ok := rec[f]
		if !ok || v == nil {
			continue
		}
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case float64:
			s = decimal.NewFromFloat(x).String()
		default:
			s = fmt.Sprint(x)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func firstValue(rec map[string]any, fields []string) any {
	for _, f := range fields {
		if v, ok := rec[f]; ok && v != nil {
			return v
		}
	}
	return nil
}

// BuildLineItems converts sanitized records into line items tagged to an
// order. The raw record is kept for audit.
func BuildLineItems(records []map[string]any, orderID string, docType models.DocType, sourceFile string, page int) []models.LineItem {
	items := make([]models.LineItem, 0, len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			raw = nil
		}
		items = append(items, models.LineItem{
			OrderID:     orderID,
			DocType:     docType,
			SourceFile:  sourceFile,
			Page:        page,
			LineRef:     firstString(rec, refFields),
			Description: firstString(rec, descFields),
			PartNo:      firstString(rec, partFields),
			Quantity:    ParseQuantity(firstValue(rec, qtyFields)),
			Raw:         datatypes.JSON(raw),
		})
	}
	return items
}
