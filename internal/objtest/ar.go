package objtest

import (
	"bytes"
	"fmt"
)

// Member of an archive.
type Member struct {
	Name string
	Data []byte
}

// Archive encodes members as a System V ar archive. Names longer than 15 bytes go through the GNU
// "//" table. A GNU symbol index member is written first when index is set.
func Archive(index bool, members ...Member) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	var long bytes.Buffer
	offsets := map[string]int{}
	for _, m := range members {
		if len(m.Name) > 15 {
			offsets[m.Name] = long.Len()
			long.WriteString(m.Name + "/\n")
		}
	}
	if index {
		// one entry count of zero, big endian
		header(&buf, "/", []byte{0, 0, 0, 0})
	}
	if long.Len() > 0 {
		header(&buf, "//", long.Bytes())
	}
	for _, m := range members {
		name := m.Name + "/"
		if off, ok := offsets[m.Name]; ok {
			name = fmt.Sprintf("/%d", off)
		}
		header(&buf, name, m.Data)
	}
	return buf.Bytes()
}

// BSDArchive encodes members with BSD "#1/len" names.
func BSDArchive(members ...Member) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	for _, m := range members {
		fmt.Fprintf(&buf, "%-16s%-12d%-6d%-6d%-8o%-10d`\n", fmt.Sprintf("#1/%d", len(m.Name)), 0, 0, 0, 0o644, len(m.Name)+len(m.Data))
		buf.WriteString(m.Name)
		buf.Write(m.Data)
		if (len(m.Name)+len(m.Data))%2 == 1 {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

func header(buf *bytes.Buffer, name string, data []byte) {
	fmt.Fprintf(buf, "%-16s%-12d%-6d%-6d%-8o%-10d`\n", name, 1700000000, 0, 0, 0o644, len(data))
	buf.Write(data)
	if len(data)%2 == 1 {
		buf.WriteByte('\n')
	}
}
