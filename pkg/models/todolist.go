package models

import "time"

// TodoItemStatus is the lifecycle state of a single todo item.
type TodoItemStatus string

const (
	TodoStatusPending    TodoItemStatus = "pending"
	TodoStatusInProgress TodoItemStatus = "in_progress"
	TodoStatusDone       TodoItemStatus = "done"
	TodoStatusBlocked    TodoItemStatus = "blocked"
)

// TodoItem is a single unit of work tracked within a session's todo list.
type TodoItem struct {
	ID        string         `json:"id"`
	Description string       `json:"description"`
	Status    TodoItemStatus `json:"status"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Notes     string         `json:"notes,omitempty"`
}

// TodoList is the agent-maintained task list for a session, created by the
// create_todo_list tool-name side effect and mutated by update_todo_item.
type TodoList struct {
	SessionID string     `json:"session_id"`
	Title     string     `json:"title"`
	Items     []TodoItem `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Find returns a pointer to the item with the given id, or nil if absent.
func (t *TodoList) Find(itemID string) *TodoItem {
	for i := range t.Items {
		if t.Items[i].ID == itemID {
			return &t.Items[i]
		}
	}
	return nil
}
