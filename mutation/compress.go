package mutation

// Compress folds bursts of edits:
//   - consecutive text records on the same path keep the last value and the
//     first OldValue
//   - consecutive attr records on the same (path, name) likewise
//   - a text or attr record directly followed by a remove of the same path is
//     dropped
//   - insert and remove records are kept as they are
func Compress(records []Record) []Record {
	if len(records) <= 1 {
		return records
	}

	result := make([]Record, 0, len(records))
	for i := 0; i < len(records); i++ {
		rec := records[i]

		switch rec.Op {
		case OpText, OpAttr:
			firstOld := rec.OldValue
			j := i + 1
			for j < len(records) && sameTarget(rec, records[j]) {
				rec = records[j]
				j++
			}
			rec.OldValue = firstOld
			i = j - 1
			if j < len(records) && records[j].Op == OpRemove && records[j].Path == rec.Path {
				continue
			}
			result = append(result, rec)

		default:
			result = append(result, rec)
		}
	}
	return result
}

func sameTarget(a, b Record) bool {
	if a.Op != b.Op || a.Path != b.Path {
		return false
	}
	return a.Op != OpAttr || a.Name == b.Name
}
