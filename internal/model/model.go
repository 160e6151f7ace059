// Package model declares the persistent entities of the ingestion pipeline
// and the in-flight message envelope. Relationships are carried by numeric
// identity only; no entity holds an in-memory back-reference to its owner.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Client statuses.
const (
	ClientActive   = "ACTIVE"
	ClientInactive = "INACTIVE"
)

// ProcessedFile statuses. A ledger row is created in StatusProcessing and
// transitions exactly once to StatusSuccess or StatusError.
const (
	StatusProcessing = "PROCESSING"
	StatusSuccess    = "SUCCESS"
	StatusError      = "ERROR"
)

// Mapping rule levels.
const (
	LevelHeader = "HEADER"
	LevelLine   = "LINE"
)

// Priority of an inbound message, derived from its interface.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// ParsePriority maps a stored priority string onto a known Priority,
// defaulting to NORMAL for anything unrecognized.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityLow:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Client is a tenant. It owns interfaces and, transitively, every document
// processed on its behalf.
type Client struct {
	ID     uint64 `gorm:"primaryKey"`
	Code   string `gorm:"size:64;uniqueIndex"`
	Name   string `gorm:"size:255"`
	Status string `gorm:"size:16;default:ACTIVE"`
}

func (Client) TableName() string { return "clients" }

// Interface is a per-client inbound document definition. Incoming XML is
// matched against (client, root_element, namespace).
type Interface struct {
	ID          uint64 `gorm:"primaryKey"`
	ClientID    uint64 `gorm:"index:idx_interfaces_client_name,unique"`
	Name        string `gorm:"size:128;index:idx_interfaces_client_name,unique"`
	Type        string `gorm:"size:32"` // e.g. ASN, ORDER
	RootElement string `gorm:"size:128"`
	Namespace   string `gorm:"size:255"`
	SchemaPath  string `gorm:"size:512"`
	Active      bool   `gorm:"default:true"`
	Priority    string `gorm:"size:16;default:NORMAL"`
}

func (Interface) TableName() string { return "interfaces" }

// MappingRule binds one XML location to one entity column.
type MappingRule struct {
	ID             uint64 `gorm:"primaryKey"`
	ClientID       uint64 `gorm:"index"`
	InterfaceID    uint64 `gorm:"index"`
	Name           string `gorm:"size:128"`
	SourceField    string `gorm:"size:512"` // XPath into the document
	TargetField    string `gorm:"size:128"` // snake_case column name
	TargetLevel    string `gorm:"size:16"`  // HEADER or LINE
	TableName_     string `gorm:"column:table_name;size:128"`
	Transformation string `gorm:"size:255"` // pipe-separated chain, empty for none
	DefaultValue   string `gorm:"size:255"`
	Required       bool
	IsActive       bool `gorm:"default:true"`
	Priority       int
	DataType       string `gorm:"size:32"`
	ValidationRule string `gorm:"size:255"`
}

func (MappingRule) TableName() string { return "mapping_rules" }

// ASNHeader is the header entity for advance shipment notices.
// (asn_number, client_id) is unique per tenant.
type ASNHeader struct {
	ID            uint64 `gorm:"primaryKey"`
	ClientID      uint64 `gorm:"index:idx_asn_headers_number_client,unique"`
	InterfaceID   uint64
	ASNNumber     string `gorm:"column:asn_number;size:64;index:idx_asn_headers_number_client,unique"`
	Status        string `gorm:"size:64"`
	SupplierCode  string `gorm:"size:64"`
	WarehouseCode string `gorm:"size:64"`
	CarrierName   string `gorm:"size:128"`
	ShipmentDate  *time.Time
	DeliveryDate  *time.Time
	TotalLines    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (ASNHeader) TableName() string { return "asn_headers" }

// ASNLine is one shipment line. It exists only while its header exists and
// always shares the header's client.
type ASNLine struct {
	ID            uint64 `gorm:"primaryKey"`
	HeaderID      uint64 `gorm:"index"`
	ClientID      uint64 `gorm:"index"`
	LineNumber    int64
	ItemCode      string          `gorm:"size:64"`
	ItemDesc      string          `gorm:"size:255"`
	Quantity      decimal.Decimal `gorm:"type:numeric(18,3)"`
	UnitOfMeasure string          `gorm:"size:16"`
	LotNumber     string          `gorm:"size:64"`
	ExpiryDate    *time.Time
	CreatedAt     time.Time
}

func (ASNLine) TableName() string { return "asn_lines" }

// Identity accessors shared with OrderLine so batch validation can treat
// line entities uniformly.
func (l ASNLine) HeaderRef() uint64 { return l.HeaderID }
func (l ASNLine) ClientRef() uint64 { return l.ClientID }
func (l ASNLine) LineNo() int64     { return l.LineNumber }

// OrderHeader is the header entity for purchase orders.
type OrderHeader struct {
	ID           uint64 `gorm:"primaryKey"`
	ClientID     uint64 `gorm:"index:idx_order_headers_number_client,unique"`
	InterfaceID  uint64
	OrderNumber  string `gorm:"size:64;index:idx_order_headers_number_client,unique"`
	Status       string `gorm:"size:64"`
	CustomerCode string `gorm:"size:64"`
	Currency     string `gorm:"size:8"`
	OrderDate    *time.Time
	TotalAmount  decimal.Decimal `gorm:"type:numeric(18,2)"`
	TotalLines   int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (OrderHeader) TableName() string { return "order_headers" }

// OrderLine is one purchase order line.
type OrderLine struct {
	ID          uint64 `gorm:"primaryKey"`
	HeaderID    uint64 `gorm:"index"`
	ClientID    uint64 `gorm:"index"`
	LineNumber  int64
	ItemCode    string          `gorm:"size:64"`
	Description string          `gorm:"size:255"`
	Quantity    decimal.Decimal `gorm:"type:numeric(18,3)"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(18,4)"`
	CreatedAt   time.Time
}

func (OrderLine) TableName() string { return "order_lines" }

func (l OrderLine) HeaderRef() uint64 { return l.HeaderID }
func (l OrderLine) ClientRef() uint64 { return l.ClientID }
func (l OrderLine) LineNo() int64     { return l.LineNumber }

// ProcessedFile is the ingestion ledger row for one inbound message.
// (file_name, interface_id) identifies the most recent attempt for
// idempotent re-delivery handling.
type ProcessedFile struct {
	ID           uint64 `gorm:"primaryKey"`
	FileName     string `gorm:"size:255;index:idx_processed_files_name_iface"`
	ClientID     uint64 `gorm:"index"`
	InterfaceID  uint64 `gorm:"index:idx_processed_files_name_iface"`
	Status       string `gorm:"size:16"`
	ErrorMessage string `gorm:"size:2048"`
	Content      string // canonical serialized form, optional
	ProcessedAt  time.Time
}

func (ProcessedFile) TableName() string { return "processed_files" }

// Envelope is the in-flight record carried on the message bus for one file.
// It is never persisted by the pipeline.
type Envelope struct {
	FileBytes   []byte    `json:"file_bytes"` // base64 on the wire
	FileName    string    `json:"file_name"`
	ClientID    uint64    `json:"client_id"`
	InterfaceID uint64    `json:"interface_id"`
	Priority    Priority  `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// AllEntities lists every persisted entity for schema migration.
func AllEntities() []any {
	return []any{
		&Client{}, &Interface{}, &MappingRule{},
		&ASNHeader{}, &ASNLine{}, &OrderHeader{}, &OrderLine{},
		&ProcessedFile{},
	}
}
