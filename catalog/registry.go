package catalog

import "github.com/covenant-jmap/jmapcore/recordclass"

// RecordClasses returns every record class the catalog ships, in the
// order a Registry and an Engine should register them in.
func RecordClasses() []*recordclass.RecordClass {
	return []*recordclass.RecordClass{Mailbox(), Cookie()}
}

// NewRegistry builds a recordclass.Registry preloaded with every
// catalog record class.
func NewRegistry() *recordclass.Registry {
	reg := recordclass.NewRegistry()
	for _, rc := range RecordClasses() {
		reg.Register(rc)
	}
	return reg
}
