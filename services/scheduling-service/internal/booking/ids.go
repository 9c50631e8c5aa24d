package booking

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator produces the business-facing booking code printed on
// confirmations. It is independent of the row's storage identity so codes
// can change format without a data migration.
type IDGenerator interface {
	NewBookingCode() string
}

type uuidCodes struct{}

func NewUUIDCodes() IDGenerator {
	return uuidCodes{}
}

func (uuidCodes) NewBookingCode() string {
	id := uuid.New()
	return fmt.Sprintf("BK-%x", id[:6])
}
