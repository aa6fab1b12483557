// Package statement defines the parsed-statement shape the storage core
// executes. Parsing itself lives outside the core; the table layer only
// consumes these values.
package statement

import (
	"github.com/Suhail-Mohamed/CoroDB/pkg/types"
)

// Command is the statement kind dispatched by the table layer.
type Command int

const (
	Create Command = iota
	CreateIndex
	Drop
	Insert
	Select
	Update
	Delete
	Vacuum
	Size
	Where
)

func (c Command) String() string {
	switch c {
	case Create:
		return "CREATE"
	case CreateIndex:
		return "CREATE_INDEX"
	case Drop:
		return "DROP"
	case Insert:
		return "INSERT"
	case Select:
		return "SELECT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case Vacuum:
		return "VACUUM"
	case Size:
		return "SIZE"
	case Where:
		return "WHERE"
	default:
		return "UNKNOWN"
	}
}

// Statement is one parsed command against a table.
type Statement struct {
	Command    Command
	TableNames [2]string
	JoinAttrs  [2]string

	// Attrs and Types describe the attribute list of a CREATE or the key
	// tuple of a CREATE INDEX.
	Attrs []string
	Types []types.DatabaseType

	PrimaryKey    []string
	ForeignKeys   []string
	ForeignTables []string

	// SetAttrs/SetValues carry UPDATE assignments and INSERT values.
	SetAttrs  []string
	SetValues []string

	// Where is nil when the statement matches every record.
	Where *ASTTree
}
