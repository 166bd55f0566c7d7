package transaction

import "strings"

// Category is the display category the mobile and web clients group by.
type Category struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// CategoryMapping maps provider category vocabulary to display categories.
// Keys are lower-case: Teller's details.category values and Plaid's
// personal_finance_category.primary values.
var CategoryMapping = map[string]Category{
	// Teller
	"accommodation":  {Key: "travel", Name: "Travel"},
	"advertising":    {Key: "business", Name: "Business Services"},
	"bar":            {Key: "food_and_drink", Name: "Food & Drink"},
	"charity":        {Key: "donations", Name: "Donations"},
	"clothing":       {Key: "shopping", Name: "Shopping"},
	"dining":         {Key: "food_and_drink", Name: "Food & Drink"},
	"education":      {Key: "education", Name: "Education"},
	"electronics":    {Key: "shopping", Name: "Shopping"},
	"entertainment":  {Key: "entertainment", Name: "Entertainment"},
	"fuel":           {Key: "transportation", Name: "Transportation"},
	"general":        {Key: "other", Name: "Other"},
	"groceries":      {Key: "groceries", Name: "Groceries"},
	"health":         {Key: "health", Name: "Health"},
	"home":           {Key: "home", Name: "Home"},
	"income":         {Key: "income", Name: "Income"},
	"insurance":      {Key: "insurance", Name: "Insurance"},
	"investment":     {Key: "investments", Name: "Investments"},
	"loan":           {Key: "loans", Name: "Loan Payments"},
	"office":         {Key: "business", Name: "Business Services"},
	"phone":          {Key: "bills", Name: "Bills & Utilities"},
	"service":        {Key: "services", Name: "Services"},
	"shopping":       {Key: "shopping", Name: "Shopping"},
	"software":       {Key: "subscriptions", Name: "Subscriptions"},
	"sport":          {Key: "entertainment", Name: "Entertainment"},
	"tax":            {Key: "taxes", Name: "Taxes"},
	"transport":      {Key: "transportation", Name: "Transportation"},
	"transportation": {Key: "transportation", Name: "Transportation"},
	"utilities":      {Key: "bills", Name: "Bills & Utilities"},

	// Plaid personal finance categories
	"bank_fees":                 {Key: "fees", Name: "Fees"},
	"entertainment_and_leisure": {Key: "entertainment", Name: "Entertainment"},
	"food_and_drink":            {Key: "food_and_drink", Name: "Food & Drink"},
	"general_merchandise":       {Key: "shopping", Name: "Shopping"},
	"general_services":          {Key: "services", Name: "Services"},
	"government_and_non_profit": {Key: "taxes", Name: "Taxes"},
	"home_improvement":          {Key: "home", Name: "Home"},
	"loan_payments":             {Key: "loans", Name: "Loan Payments"},
	"medical":                   {Key: "health", Name: "Health"},
	"personal_care":             {Key: "health", Name: "Health"},
	"rent_and_utilities":        {Key: "bills", Name: "Bills & Utilities"},
	"transfer_in":               {Key: "transfers", Name: "Transfers"},
	"transfer_out":              {Key: "transfers", Name: "Transfers"},
	"travel":                    {Key: "travel", Name: "Travel"},
}

// GetCategoryKey returns the display key for a provider category, or nil
// when there is no mapping.
func GetCategoryKey(category *string) *string {
	if category == nil || *category == "" {
		return nil
	}
	if cat, ok := CategoryMapping[strings.ToLower(*category)]; ok {
		return &cat.Key
	}
	return nil
}

// TranslateCategory returns the display name for a provider category.
// Unknown categories are returned unchanged.
func TranslateCategory(category string) string {
	if category == "" {
		return ""
	}
	if cat, ok := CategoryMapping[strings.ToLower(category)]; ok {
		return cat.Name
	}
	return category
}
