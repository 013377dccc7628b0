package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a FileRecord.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusProcessing  Status = "PROCESSING"
	StatusSuccess     Status = "SUCCESS"
	StatusFailed      Status = "FAILED"
	StatusQuarantined Status = "QUARANTINED"
	StatusMerged      Status = "MERGED"
	StatusArchived    Status = "ARCHIVED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusQuarantined, StatusMerged, StatusArchived:
		return true
	}
	return false
}

// DocType is the stored document type of a file.
type DocType string

const (
	DocTypePurchaseOrder DocType = "purchase_order"
	DocTypeDeliveryNote  DocType = "delivery_note"
	DocTypeSalesInvoice  DocType = "sales_invoice"
	DocTypeUnknown       DocType = "unknown"
)

// ParseDocType maps a loose label (short codes, model output) to a DocType.
func ParseDocType(s string) DocType {
	switch RoleOf(s) {
	case RoleOrder:
		return DocTypePurchaseOrder
	case RoleDelivery:
		return DocTypeDeliveryNote
	case RoleInvoice:
		return DocTypeSalesInvoice
	}
	return DocTypeUnknown
}

// Prefix is the filename prefix applied during standardization.
func (d DocType) Prefix() string {
	switch d {
	case DocTypePurchaseOrder:
		return "PO"
	case DocTypeDeliveryNote:
		return "DO"
	case DocTypeSalesInvoice:
		return "SI"
	}
	return "UNK"
}

// Role is the part a document plays in a three-way match.
type Role string

const (
	RoleOrder    Role = "order"
	RoleDelivery Role = "delivery"
	RoleInvoice  Role = "invoice"
	RoleOther    Role = "other"
)

// RequiredRoles lists the roles a bundle needs before it can be reconciled.
var RequiredRoles = []Role{RoleOrder, RoleDelivery, RoleInvoice}

// RoleOf tags a doc type label by substring. Order tags are checked first so
// "purchase_order" never lands in the delivery bucket.
func RoleOf(docType string) Role {
	t := strings.ToLower(strings.TrimSpace(docType))
	switch {
	case t == "":
		return RoleOther
	case strings.Contains(t, "purchase") || strings.Contains(t, "po"):
		return RoleOrder
	case strings.Contains(t, "delivery") || strings.Contains(t, "do") || strings.Contains(t, "dn"):
		return RoleDelivery
	case strings.Contains(t, "invoice") || strings.Contains(t, "si"):
		return RoleInvoice
	}
	return RoleOther
}

// FileRecord is one physical document tracked by the pipeline.
type FileRecord struct {
	ID           uint      `gorm:"primaryKey" firestore:"-"`
	Path         string    `gorm:"uniqueIndex;not null" firestore:"path"`
	Filename     string    `gorm:"index" firestore:"filename"`
	ContentHash  *string   `gorm:"uniqueIndex" firestore:"contentHash,omitempty"`
	DocType      DocType   `gorm:"size:32" firestore:"docType"`
	OrderID      *string   `gorm:"index" firestore:"orderId,omitempty"`
	Status       Status    `gorm:"size:16;index;default:PENDING" firestore:"status"`
	ErrorMessage string    `firestore:"errorMessage,omitempty"`
	LastUpdated  time.Time `firestore:"lastUpdated"`
	CreatedAt    time.Time `firestore:"createdAt"`
}

func (FileRecord) TableName() string { return "files" }

// Hash returns the content hash or "" for pre-migration rows.
func (f FileRecord) Hash() string {
	if f.ContentHash == nil {
		return ""
	}
	return *f.ContentHash
}

// Order returns the order id or "".
func (f FileRecord) Order() string {
	if f.OrderID == nil {
		return ""
	}
	return *f.OrderID
}

// LineItem is one extracted table row. Rows are append-only.
type LineItem struct {
	ID          uint            `gorm:"primaryKey"`
	OrderID     string          `gorm:"index;not null"`
	DocType     DocType         `gorm:"size:32"`
	SourceFile  string          `gorm:"index"`
	Page        int             `gorm:"default:0"`
	LineRef     string          ``
	Description string          ``
	PartNo      string          ``
	Quantity    decimal.Decimal `gorm:"type:decimal(18,4)"`
	Raw         datatypes.JSON  ``
	CreatedAt   time.Time       ``
}

func (LineItem) TableName() string { return "line_items" }

// BundleFile is one member of a bundle as returned by the store.
type BundleFile struct {
	Path    string
	DocType DocType
}

// Counts backs the status command and dashboards.
type Counts struct {
	Pending     int64 `json:"pending"`
	Merged      int64 `json:"merged"`
	Quarantined int64 `json:"quarantined"`
}
