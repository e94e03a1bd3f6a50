package permanent

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

// Revision renders a human-readable audit string for one Write, the shape
// audit()/auditField() hand back per spec §4.2. Grounded on the teacher's
// pkg/storage/bson.go BsonToJson helper: render the payload through BSON
// extended JSON for a human-facing view, distinct from the bit-exact wire
// encoding spec §6 mandates for storage (bson is never used for that).
func Revision(w write.Write) string {
	doc := bson.D{
		{Key: "action", Value: w.Action.String()},
		{Key: "key", Value: w.Key},
		{Key: "value", Value: nativeValue(w.Value)},
		{Key: "record", Value: w.Record},
		{Key: "version", Value: w.Version},
	}
	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return w.Action.String() + " " + w.Key
	}
	return string(out)
}

func nativeValue(v value.Value) interface{} {
	switch tv := v.(type) {
	case value.Boolean:
		return bool(tv)
	case value.Integer:
		return int32(tv)
	case value.Long:
		return int64(tv)
	case value.Float:
		return float32(tv)
	case value.Double:
		return float64(tv)
	case value.String:
		return string(tv)
	case value.TagVariant:
		return string(tv)
	case value.Link:
		return uint64(tv)
	default:
		return nil
	}
}
