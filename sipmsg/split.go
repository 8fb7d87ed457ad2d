package sipmsg

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// Split returns each SIP message found in one transport payload.  A TCP
// segment may carry several messages back to back; a UDP datagram carries
// one.  Bytes before the first start line are dropped, and a trailing
// message cut short by the end of the payload is returned as it is, since
// no stream reassembly happens before matching.
func Split(b []byte) [][]byte {
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, len(b)+1), len(b)+1)
	sc.Split(scanMessages)

	var msgs [][]byte
	for sc.Scan() {
		msgs = append(msgs, append([]byte(nil), sc.Bytes()...))
	}
	return msgs
}

// scanMessages is a bufio.SplitFunc yielding whole SIP messages, delimited
// by their Content-Length.
func scanMessages(b []byte, atEOF bool) (int, []byte, error) {
	if len(b) == 0 {
		return 0, nil, nil
	}

	start, _ := findStartLine(b)
	if start > 0 {
		// junk before a message
		return start, nil, nil
	}
	if start < 0 {
		if atEOF {
			return len(b), nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(b, crlfcrlf)
	if end == -1 {
		return incomplete(b, atEOF)
	}
	end += len(crlfcrlf)

	clen := contentLength(b[:end])
	if clen < 0 {
		// Without a length the body runs until the next message.
		if next, _ := findStartLine(b[end:]); next >= 0 {
			return end + next, b[:end+next], nil
		}
		return incomplete(b, atEOF)
	}
	if end+clen > len(b) {
		return incomplete(b, atEOF)
	}
	return end + clen, b[:end+clen], nil
}

func incomplete(b []byte, atEOF bool) (int, []byte, error) {
	if atEOF {
		return len(b), b, nil
	}
	return 0, nil, nil
}

// contentLength finds the Content-Length (or compact l) header in a header
// block and returns its value, or -1 if absent or unparsable.
//	Content-Length  =  ( "Content-Length" / "l" ) HCOLON 1*DIGIT
func contentLength(b []byte) int {
	lines := bytes.Split(b, crlf)
	// The start line never holds a header.
	for _, line := range lines[1:] {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := string(bytes.TrimRight(line[:colon], " \t"))
		if !strings.EqualFold(name, "Content-Length") && !strings.EqualFold(name, "l") {
			continue
		}
		l, err := strconv.Atoi(string(bytes.Trim(line[colon+1:], " \t")))
		if err != nil || l < 0 {
			return -1
		}
		return l
	}
	return -1
}

// findStartLine locates the first line that could begin a SIP message,
// returning its offset and length, or -1, -1.  This is a quick check of the
// request and status line shapes, not validation.
func findStartLine(b []byte) (int, int) {
	eol := 0
	for start := 0; start < len(b); start += eol {
		eol = bytes.Index(b[start:], crlf)
		if eol == -1 {
			return -1, -1
		}
		eol += len(crlf)
		line := b[start : start+eol]
		if isRequest(line) || isResponse(line) {
			return start, eol
		}
	}
	return -1, -1
}

// methods are ordered by how often they are seen.
var methods = [][]byte{
	[]byte("INVITE"),
	[]byte("ACK"),
	[]byte("BYE"),
	[]byte("OPTIONS"),
	[]byte("REGISTER"),
	[]byte("CANCEL"),
	[]byte("PUBLISH"),
	[]byte("PRACK"),
	[]byte("INFO"),
	[]byte("SUBSCRIBE"),
	[]byte("NOTIFY"),
	[]byte("UPDATE"),
	[]byte("MESSAGE"),
	[]byte("REFER"),
}

//	Request-Line   =  Method SP Request-URI SP SIP-Version CRLF
func isRequest(line []byte) bool {
	if len(line) < 15 || bytes.IndexAny(line[0:1], "BACONPURISM") != 0 {
		return false
	}

	s1 := bytes.IndexByte(line, ' ')
	if s1 < 0 {
		return false
	}
	s2 := bytes.IndexByte(line[s1+1:], ' ')
	if s2 < 0 {
		return false
	}
	s2 += s1 + 1

	found := false
	for _, m := range methods {
		if bytes.Equal(line[:s1], m) {
			found = true
			break
		}
	}
	return found && bytes.HasPrefix(line[s2+1:], []byte("SIP/"))
}

//	Status-Line     =  SIP-Version SP Status-Code SP Reason-Phrase CRLF
func isResponse(line []byte) bool {
	if len(line) < 14 || !bytes.HasPrefix(line, []byte("SIP/")) {
		return false
	}
	s1 := bytes.IndexByte(line, ' ')
	if s1 < 0 {
		return false
	}
	return bytes.IndexByte(line[s1+1:], ' ') >= 0
}
