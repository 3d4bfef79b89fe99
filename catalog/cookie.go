package catalog

import (
	"github.com/covenant-jmap/jmapcore/recordclass"
	"github.com/covenant-jmap/jmapcore/validator"
)

// AccountTypeBakery is Cookie's account family.
const AccountTypeBakery = "bakery"

// Cookie is the record class the literal end-to-end scenarios
// (S1-S6) are written against: a free-form "type" string of at most 64
// characters and a "delicious" yes/no enum are the only declared
// properties, kept deliberately small so the
// scenarios exercise the dispatcher and the hook chain, not the
// record class.
func Cookie() *recordclass.RecordClass {
	return &recordclass.RecordClass{
		TypeKey:       "Cookie",
		AccountType:   AccountTypeBakery,
		IsAccountBase: true,
		Table:         "cookies",

		Properties: []recordclass.Property{
			{
				Name: "type", Type: recordclass.String,
				ClientMayInit: true, ClientMayUpdate: true,
				Validator: validator.String(64),
			},
			{
				Name: "delicious", Type: recordclass.String,
				Optional:        true,
				ClientMayInit:   true,
				ClientMayUpdate: true,
				Validator:       validator.Enum("yes", "no"),
				Default:         func() interface{} { return "yes" },
			},
		},

		DefaultProperties: []string{"type", "delicious"},
	}
}
