package model

import "time"

// BudgetStatus classifies a list's spend against its budget ceiling.
type BudgetStatus string

const (
	StatusNoBudget    BudgetStatus = "No Budget"
	StatusOnBudget    BudgetStatus = "On Budget"
	StatusTightBudget BudgetStatus = "Tight Budget"
	StatusOverBudget  BudgetStatus = "Over Budget"
)

// ShoppingList is a list document. Spent, ItemCount, CompletedCount, and
// Status are derived from the list's items and written back by the item
// store; they are never edited directly.
type ShoppingList struct {
	ID             string       `json:"id"`
	UserID         string       `json:"userId"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Icon           string       `json:"icon"`
	Color          string       `json:"color"`
	Category       string       `json:"category,omitempty"`
	Status         BudgetStatus `json:"status"`
	Budget         *float64     `json:"budget,omitempty"`
	Spent          float64      `json:"spent"`
	ItemCount      int          `json:"itemCount"`
	CompletedCount int          `json:"completedCount"`
	Collaborators  []string     `json:"collaborators"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// ListItem is an item document belonging to one list. CompletedAt is set
// exactly while Completed is true.
type ListItem struct {
	ID          string     `json:"id"`
	ListID      string     `json:"listId"`
	Name        string     `json:"name"`
	Quantity    *float64   `json:"quantity,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	Category    string     `json:"category,omitempty"`
	Note        string     `json:"note,omitempty"`
	Price       *float64   `json:"price,omitempty"`
	Completed   bool       `json:"isCompleted"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
