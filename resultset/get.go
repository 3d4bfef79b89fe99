package resultset

import (
	"context"
	"database/sql"

	"github.com/covenant-jmap/jmapcore/recordclass"
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/result"
)

// Get implements the generic K/get method body: load the named
// ids (or every active id if ids is omitted), project each down to the
// requested properties, and report the current type state alongside.
func (o *Operators) Get(ctx *reqcontext.Context, rc *recordclass.RecordClass, args map[string]interface{}) []result.Result {
	accountID, ok := argString(args, "accountId")
	if !ok {
		return []result.Result{result.Fail(invalidArgs("accountId is required"))}
	}

	properties, ierr := requestedProperties(rc, args)
	if ierr != nil {
		return []result.Result{result.Fail(ierr)}
	}

	ids, idsGiven := argStringSlice(args, "ids")
	var list []map[string]interface{}
	var notFound []string
	var stateStr string

	txErr := ctx.TxnDo(context.Background(), func(tx *sql.Tx) error {
		if idsGiven {
			found, err := o.Schema.FetchMany(tx, rc, accountID, ids)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if row, ok := found[id]; ok {
					list = append(list, projectRow(row, properties))
				} else {
					notFound = append(notFound, id)
				}
			}
		} else {
			rows, err := o.Schema.FetchFiltered(tx, rc, accountID, nil, nil, nil)
			if err != nil {
				return err
			}
			for _, row := range rows {
				list = append(list, projectRow(row, properties))
			}
		}

		var err error
		stateStr, err = ctx.AccountState(accountID).StateFor(tx, rc.TypeKey)
		return err
	})
	if txErr != nil {
		guid := ctx.FileExceptionReport(txErr)
		return []result.Result{result.Fail(result.NewError(result.TypeInternalError).WithArg("guid", guid))}
	}

	out := map[string]interface{}{
		"accountId": accountID,
		"state":     stateStr,
		"list":      list,
	}
	if notFound != nil {
		out["notFound"] = notFound
	}
	return []result.Result{result.Ok(rc.TypeKey+"/get", out)}
}
