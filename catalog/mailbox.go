// Package catalog provides two fully-wired record classes,
// demonstrating the declarative record-class DSL over a real
// handlers instead of only describing it: Mailbox (grounded on
// other_examples/jarrod-lowe-jmap-service-email__types.go's mailbox
// model) and Cookie (matching the literal end-to-end scenarios).
package catalog

import (
	"github.com/covenant-jmap/jmapcore/recordclass"
	"github.com/covenant-jmap/jmapcore/validator"
)

// ValidMailboxRoles lists the RFC 8621 well-known mailbox roles a
// Mailbox's "role" property is restricted to.
var ValidMailboxRoles = []string{"inbox", "drafts", "sent", "trash", "junk", "archive"}

// AccountTypeMail is the account family Mailbox (and any sibling
// record class sharing its states rows) belongs to.
const AccountTypeMail = "mail"

// Mailbox is the reference record class of SPEC_FULL.md's supplemented
// features: it exercises the string, case-insensitive string, id,
// integer and boolean property data types (no timestamp or string
// array property), an
// isActive-prefixed unique constraint, account seeding,
// and /query + /queryChanges via its role equality filter and
// sortOrder sort.
func Mailbox() *recordclass.RecordClass {
	return &recordclass.RecordClass{
		TypeKey:       "Mailbox",
		AccountType:   AccountTypeMail,
		IsAccountBase: true,
		Table:         "mailboxes",

		Properties: []recordclass.Property{
			{
				Name: "name", Type: recordclass.String,
				ClientMayInit: true, ClientMayUpdate: true,
				Validator: validator.String(255),
			},
			{
				Name: "role", Type: recordclass.CaseInsensitiveString,
				Optional:        true,
				ClientMayInit:   true,
				ClientMayUpdate: true,
				Validator:       validator.Enum(ValidMailboxRoles...),
			},
			{
				Name: "parentId", Type: recordclass.ID,
				Optional:        true,
				ClientMayInit:   true,
				ClientMayUpdate: true,
				Validator:       validator.String(0),
			},
			{
				Name: "sortOrder", Type: recordclass.Integer,
				ClientMayInit: true, ClientMayUpdate: true,
				Validator: validator.Integer(0, 1<<31-1),
				Default:   func() interface{} { return int64(0) },
			},
			{
				Name: "isSubscribed", Type: recordclass.Boolean,
				ClientMayInit: true, ClientMayUpdate: true,
				Validator: validator.Boolean(),
				Default:   func() interface{} { return true },
			},
		},

		UniqueConstraints: [][]string{{"accountId", "name", "parentId"}},

		DefaultProperties: []string{"name", "role", "parentId", "sortOrder", "isSubscribed"},

		QueryEnabled: true,
		QueryFilterMap: map[string]recordclass.FilterCond{
			"role": {
				CondBuilder: func(value interface{}) (string, []interface{}, error) {
					return "`role` = ?", []interface{}{value}, nil
				},
				Differ: func(row map[string]interface{}, value interface{}) bool {
					return row["role"] == value
				},
			},
		},
		QuerySortMap: map[string]recordclass.SortSpec{
			"sortOrder": {SortBy: "sortOrder"},
			"name":      {SortBy: "name"},
		},
	}
}
