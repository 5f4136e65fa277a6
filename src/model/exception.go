package model

import "time"

// Exception is a system-level error persisted for auditing. Consistency failures and
// unexpected external-call failures land here alongside the log line.
type Exception struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Where the error happened
	Service string `gorm:"size:100;index" json:"service"` // e.g. "engine"
	Module  string `gorm:"size:100;index" json:"module"`  // e.g. "reconcile"
	Method  string `gorm:"size:100" json:"method"`        // e.g. "Run"
	Trigger string `gorm:"size:30" json:"trigger"`        // scan, monitor, reconcile...

	Message string `gorm:"type:text" json:"message"`
	Stack   string `gorm:"type:text" json:"stack"`

	// debug | info | warn | error | fatal
	Level string `gorm:"size:20;index" json:"level"`

	// Extra context stored as JSON text
	Context string `gorm:"type:text" json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Exception) TableName() string {
	return "exceptions"
}
