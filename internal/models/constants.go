package models

// Transaction types
const (
	TransactionTypeExpense  TransactionType = "EXPENSE"
	TransactionTypeIncome   TransactionType = "INCOME"
	TransactionTypeTransfer TransactionType = "TRANSFER"
)

// Reserved rule identifiers recorded on RuleApplication rows that were not
// produced by a stored rule.
const (
	RuleIDMerchantMapping = "merchant-mapping"
	RuleIDManual          = "manual"
)

// Categories
const (
	CategoryUncategorized = "Uncategorized"
	CategoryFood          = "Food & Drinks"
	CategoryGroceries     = "Groceries"
	CategoryTransport     = "Transport"
	CategoryShopping      = "Shopping"
	CategoryBills         = "Bills & Utilities"
	CategoryEntertainment = "Entertainment"
	CategoryHealth        = "Health"
	CategoryIncome        = "Income"
	CategoryTransfers     = "Transfers"
	CategoryCash          = "Cash"
)

// DefaultCurrency is used when neither the message nor the configuration
// names one.
const DefaultCurrency = "INR"

// File permissions
const (
	PermissionConfigFile = 0600
	PermissionDirectory  = 0750
)
