package domain

import "time"

// DefaultSensorType is reported for listings whose ledger record carries no
// sensor classification.
const DefaultSensorType = "IoT Sensor"

// ListingStatus is the derived sale status of a listing.
type ListingStatus string

const (
	ListingAvailable ListingStatus = "available"
	ListingSold      ListingStatus = "sold"
)

// Listing is one published sensor-data offer as last read from the ledger.
// The clear value is unexported and only reachable through ClearValue, which
// withholds it until the ledger reports the listing as verified.
type Listing struct {
	ID                   string
	Name                 string
	Description          string
	SensorType           string
	EncryptedValueHandle string
	PublicPrice          uint64
	PublicSecondaryValue uint64
	Creator              string
	CreatedAt            time.Time
	IsVerified           bool
	Status               ListingStatus

	clearValue uint64
}

// LedgerRecord is the raw tuple a ledger returns for a listing. Gateways
// decode into a LedgerRecord and convert it with ListingFromLedger so the
// verified/clear-value coupling is applied in exactly one place.
type LedgerRecord struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	SensorType           string    `json:"sensor_type,omitempty"`
	EncryptedValueHandle string    `json:"encrypted_value_handle"`
	PublicValue1         uint64    `json:"public_value_1"`
	PublicValue2         uint64    `json:"public_value_2"`
	Creator              string    `json:"creator"`
	Timestamp            time.Time `json:"timestamp"`
	IsVerified           bool      `json:"is_verified"`
	DecryptedValue       uint64    `json:"decrypted_value"`
	Sold                 bool      `json:"sold,omitempty"`
}

// ListingFromLedger converts a ledger record into a Listing. A decrypted
// value on an unverified record is dropped.
func ListingFromLedger(rec LedgerRecord) Listing {
	l := Listing{
		ID:                   rec.ID,
		Name:                 rec.Name,
		Description:          rec.Description,
		SensorType:           rec.SensorType,
		EncryptedValueHandle: rec.EncryptedValueHandle,
		PublicPrice:          rec.PublicValue1,
		PublicSecondaryValue: rec.PublicValue2,
		Creator:              rec.Creator,
		CreatedAt:            rec.Timestamp,
		IsVerified:           rec.IsVerified,
		Status:               ListingAvailable,
	}
	if l.SensorType == "" {
		l.SensorType = DefaultSensorType
	}
	if rec.Sold {
		l.Status = ListingSold
	}
	if rec.IsVerified {
		l.clearValue = rec.DecryptedValue
	}
	return l
}

// ClearValue returns the decrypted sensor value and true when the listing is
// verified on the ledger. For unverified listings it returns 0, false.
func (l Listing) ClearValue() (uint64, bool) {
	if !l.IsVerified {
		return 0, false
	}
	return l.clearValue, true
}

// Record converts the listing back into its ledger tuple.
func (l Listing) Record() LedgerRecord {
	rec := LedgerRecord{
		ID:                   l.ID,
		Name:                 l.Name,
		Description:          l.Description,
		SensorType:           l.SensorType,
		EncryptedValueHandle: l.EncryptedValueHandle,
		PublicValue1:         l.PublicPrice,
		PublicValue2:         l.PublicSecondaryValue,
		Creator:              l.Creator,
		Timestamp:            l.CreatedAt,
		IsVerified:           l.IsVerified,
		Sold:                 l.Status == ListingSold,
	}
	if v, ok := l.ClearValue(); ok {
		rec.DecryptedValue = v
	}
	return rec
}

// Stats is the marketplace-wide summary derived from a listing snapshot.
type Stats struct {
	Total     int     `json:"total"`
	Available int     `json:"available"`
	Sold      int     `json:"sold"`
	AvgPrice  float64 `json:"avg_price"`
	Verified  int     `json:"verified"`
}
