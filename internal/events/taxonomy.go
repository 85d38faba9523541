package events

import "strings"

// Table represents a canonical syncable collection.
type Table string

// ActionType represents the canonical action types for pending operations and change events.
type ActionType string

// Canonical tables
const (
	TableGoals           Table = "goals"
	TableGoalLists       Table = "goal_lists"
	TableDailyRoutines   Table = "daily_routine_goals"
	TableDailyProgress   Table = "daily_goal_progress"
	TableTaskCategories  Table = "task_categories"
	TableCommitments     Table = "commitments"
	TableDailyTasks      Table = "daily_tasks"
	TableLongTermTasks   Table = "long_term_agenda"
	TableProjects        Table = "projects"
	TableFocusSettings   Table = "focus_settings"
	TableFocusSessions   Table = "focus_sessions"
	TableBlockLists      Table = "block_lists"
	TableBlockedWebsites Table = "blocked_websites"
)

// Canonical action types
const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// AllTables returns all syncable tables.
func AllTables() map[Table]bool {
	return map[Table]bool{
		TableGoals:           true,
		TableGoalLists:       true,
		TableDailyRoutines:   true,
		TableDailyProgress:   true,
		TableTaskCategories:  true,
		TableCommitments:     true,
		TableDailyTasks:      true,
		TableLongTermTasks:   true,
		TableProjects:        true,
		TableFocusSettings:   true,
		TableFocusSessions:   true,
		TableBlockLists:      true,
		TableBlockedWebsites: true,
	}
}

// TableNames returns the syncable table names sorted for stable subscription order.
func TableNames() []string {
	return []string{
		string(TableBlockLists),
		string(TableBlockedWebsites),
		string(TableCommitments),
		string(TableDailyProgress),
		string(TableDailyRoutines),
		string(TableDailyTasks),
		string(TableFocusSessions),
		string(TableFocusSettings),
		string(TableGoalLists),
		string(TableGoals),
		string(TableLongTermTasks),
		string(TableProjects),
		string(TableTaskCategories),
	}
}

// AllActionTypes returns all valid action types.
func AllActionTypes() map[ActionType]bool {
	return map[ActionType]bool{
		ActionCreate: true,
		ActionUpdate: true,
		ActionDelete: true,
	}
}

// IsValidTable checks if the given table name is syncable.
func IsValidTable(t string) bool {
	return AllTables()[Table(t)]
}

// IsValidActionType checks if the given action type string is valid.
func IsValidActionType(at string) bool {
	return AllActionTypes()[ActionType(at)]
}

// NormalizeTable normalizes a table name to its canonical form.
// Handles the singular names the CLI accepts as well as the canonical plural.
func NormalizeTable(name string) (Table, bool) {
	switch strings.ToLower(name) {
	case "goal", "goals":
		return TableGoals, true
	case "goal_list", "goal_lists", "list", "lists":
		return TableGoalLists, true
	case "routine", "routines", "daily_routine_goals":
		return TableDailyRoutines, true
	case "progress", "daily_goal_progress":
		return TableDailyProgress, true
	case "category", "categories", "task_categories":
		return TableTaskCategories, true
	case "commitment", "commitments":
		return TableCommitments, true
	case "task", "tasks", "daily_tasks":
		return TableDailyTasks, true
	case "agenda", "long_term_agenda", "long_term_tasks":
		return TableLongTermTasks, true
	case "project", "projects":
		return TableProjects, true
	case "focus_settings":
		return TableFocusSettings, true
	case "focus_session", "focus_sessions":
		return TableFocusSessions, true
	case "block_list", "block_lists":
		return TableBlockLists, true
	case "blocked_website", "blocked_websites":
		return TableBlockedWebsites, true
	default:
		return "", false
	}
}

// NormalizeActionType normalizes a changefeed event type to its canonical action.
// Changefeeds speak insert/update/delete; the queue speaks create/update/delete.
func NormalizeActionType(action string) (ActionType, bool) {
	switch strings.ToLower(action) {
	case "create", "insert":
		return ActionCreate, true
	case "update", "upsert":
		return ActionUpdate, true
	case "delete", "remove":
		return ActionDelete, true
	default:
		return "", false
	}
}
