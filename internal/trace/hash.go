package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash returns the hex SHA-256 of the trace's logical content: agent
// id, task input and output, then each span's kind, name, input, output and
// cost in recorded order. Ids, timestamps, status and attributes are not
// part of the content.
func (t *Trace) ContentHash() string {
	var buf bytes.Buffer
	buf.WriteString(`{"agent_id":`)
	writeJSONString(&buf, t.AgentID)
	buf.WriteString(`,"task_input":`)
	writeJSONString(&buf, t.TaskInput)
	buf.WriteString(`,"task_output":`)
	writeJSONString(&buf, t.TaskOutput)
	buf.WriteString(`,"spans":[`)
	for i, span := range t.Spans {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"kind":`)
		writeJSONString(&buf, string(span.Kind))
		buf.WriteString(`,"name":`)
		writeJSONString(&buf, span.Name)
		buf.WriteString(`,"input":`)
		writeHashValue(&buf, span.InputData)
		buf.WriteString(`,"output":`)
		writeHashValue(&buf, span.OutputData)
		buf.WriteString(`,"cost_usd":`)
		buf.WriteString(formatNumber(span.CostUSD))
		buf.WriteByte('}')
	}
	buf.WriteString("]}")

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func writeJSONString(buf *bytes.Buffer, s string) {
	encoded, _ := json.Marshal(s)
	buf.Write(encoded)
}

// writeHashValue falls back to a tagged string form for values that have no
// JSON rendering (non-finite numbers) so hashing never fails.
func writeHashValue(buf *bytes.Buffer, v Value) {
	var scratch bytes.Buffer
	if err := v.writeCanonical(&scratch); err != nil {
		writeJSONString(buf, "!invalid:"+fmt.Sprint(v.Any()))
		return
	}
	buf.Write(scratch.Bytes())
}
