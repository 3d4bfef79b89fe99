package dispatch

import (
	"strings"

	"github.com/covenant-jmap/jmapcore/jsonpointer"
	"github.com/covenant-jmap/jmapcore/result"
)

// resultReference builds the resultReference error, optionally
// describing the specific failure.
func resultReference(desc string) *result.Error {
	e := result.NewError(result.TypeResultReference)
	if desc != "" {
		e = e.WithDescription(desc)
	}
	return e
}

// expandBackRefs resolves every "#k" back-reference in args against the
// sentences accumulated so far. It returns a new map; the caller's
// args is never mutated.
func expandBackRefs(collection *result.Collection, args map[string]interface{}) (map[string]interface{}, *result.Error) {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if !strings.HasPrefix(k, "#") {
			out[k] = v
			continue
		}
		plain := k[1:]
		if _, coexists := args[plain]; coexists {
			return nil, resultReference("argument present both as " + plain + " and #" + plain)
		}

		refObj, ok := v.(map[string]interface{})
		if !ok {
			return nil, resultReference("malformed ResultReference")
		}
		resultOf, _ := refObj["resultOf"].(string)
		name, _ := refObj["name"].(string)
		path, hasPath := refObj["path"].(string)
		if resultOf == "" || name == "" || !hasPath {
			return nil, resultReference("malformed ResultReference")
		}

		sentence, found := collection.FirstMatching(resultOf, name)
		if !found {
			return nil, resultReference("no result named " + name + " for client id " + resultOf)
		}

		resolved, err := jsonpointer.Resolve(sentence.Arguments, path)
		if err != nil {
			return nil, resultReference(err.Error())
		}
		out[plain] = jsonpointer.DeepCopy(resolved)
	}
	return out, nil
}
