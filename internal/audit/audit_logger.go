package audit

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	EscrowID  string    `json:"escrow_id"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

// Logger appends every mutating operation to the audit_log table. The row is
// written inside the caller's transaction so the audit trail commits or rolls
// back together with the mutation it describes. Each event is also mirrored
// to the process log.
type Logger struct {
	db *sql.DB
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// AppendTx writes the event inside an open transaction.
func (a *Logger) AppendTx(tx *sql.Tx, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	details, _ := json.Marshal(event.Details)
	_, err := tx.Exec(`
		INSERT INTO audit_log (event_type, escrow_id, account_id, amount, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.EventType, event.EscrowID, event.AccountID, event.Amount, event.Status, details, event.Timestamp)
	if err != nil {
		return err
	}
	a.mirror(event)
	return nil
}

func (a *Logger) LogSettlement(escrowID, accountID string, amount int64, operation, status string) {
	a.mirror(Event{
		Timestamp: time.Now(),
		EventType: operation,
		EscrowID:  escrowID,
		AccountID: accountID,
		Amount:    amount,
		Status:    status,
	})
}

func (a *Logger) LogError(escrowID, accountID string, err error) {
	a.mirror(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		EscrowID:  escrowID,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogOperation(escrowID, accountID, operation, details string) {
	a.mirror(Event{
		Timestamp: time.Now(),
		EventType: operation,
		EscrowID:  escrowID,
		AccountID: accountID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	})
}

func (a *Logger) mirror(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
