package scm

import (
	"strings"
)

// ZtagRecord - one record of p4 -ztag output, field name to value
type ZtagRecord map[string]string

// ParseZtag splits p4 -ztag output into records. Records are separated by blank
// lines and each field line has the form "... name value".
func ParseZtag(output string) []ZtagRecord {
	records := make([]ZtagRecord, 0)
	var cur ZtagRecord
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "... ") {
			if strings.TrimSpace(line) == "" && cur != nil {
				records = append(records, cur)
				cur = nil
			}
			continue
		}
		field := line
		for strings.HasPrefix(field, "... ") {
			field = strings.TrimPrefix(field, "... ")
		}
		name, value := field, ""
		if i := strings.Index(field, " "); i >= 0 {
			name, value = field[:i], field[i+1:]
		}
		if cur == nil {
			cur = ZtagRecord{}
		} else if _, dup := cur[name]; dup {
			// fstat omits the blank line between some records
			records = append(records, cur)
			cur = ZtagRecord{}
		}
		cur[name] = value
	}
	if cur != nil {
		records = append(records, cur)
	}
	return records
}

// Has is true when the field is present
func (r ZtagRecord) Has(name string) bool {
	_, ok := r[name]
	return ok
}
