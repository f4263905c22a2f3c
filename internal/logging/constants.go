package logging

// Standardized field names for structured logging.
const (
	FieldComponent     = "component"
	FieldOperation     = "operation"
	FieldStatus        = "status"
	FieldError         = "error"
	FieldDuration      = "duration_ms"
	FieldCount         = "count"
	FieldReason        = "reason"
	FieldSender        = "sender"
	FieldFingerprint   = "fingerprint"
	FieldRuleID        = "rule_id"
	FieldMerchant      = "merchant"
	FieldCategory      = "category"
	FieldTransactionID = "transaction_id"
	FieldEntryID       = "entry_id"
	FieldPair          = "pair"
	FieldRate          = "rate"
	FieldProvider      = "provider"
	FieldInputFile     = "input_file"
)
