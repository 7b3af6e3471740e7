package heimdall

// Record types handled by the codec. Types without a typed RDATA
// representation are carried as opaque bytes.
const (
	TypeNone  uint16 = 0
	TypeA     uint16 = 1
	TypeNS    uint16 = 2
	TypeCNAME uint16 = 5
	TypeSOA   uint16 = 6
	TypePTR   uint16 = 12
	TypeMX    uint16 = 15
	TypeTXT   uint16 = 16
	TypeAAAA  uint16 = 28
	TypeSRV   uint16 = 33
	TypeOPT   uint16 = 41
	TypeANY   uint16 = 255
)

// Classes.
const (
	ClassINET uint16 = 1
	ClassCH   uint16 = 3
	ClassANY  uint16 = 255
)

// Response codes.
const (
	RcodeSuccess        = 0
	RcodeFormatError    = 1
	RcodeServerFailure  = 2
	RcodeNameError      = 3
	RcodeNotImplemented = 4
	RcodeRefused        = 5
)

// Opcodes.
const (
	OpcodeQuery  = 0
	OpcodeIQuery = 1
	OpcodeStatus = 2
	OpcodeNotify = 4
	OpcodeUpdate = 5
)

// Limits from RFC 1035.
const (
	// MinMsgSize is the default max size of a DNS response over UDP
	// when the client didn't advertise an EDNS0 buffer size.
	MinMsgSize = 512

	// MaxMsgSize is the largest message the server will read or build.
	MaxMsgSize = 65535

	maxLabelLen  = 63
	maxDomainLen = 255
)

// EDNS0 defaults advertised by this server.
const (
	ednsUDPSize = 4096
	ednsVersion = 0
)

// EDNS0 option codes understood by the codec. Unknown options are
// passed through unmodified.
const (
	EDNS0Cookie  uint16 = 10
	EDNS0Padding uint16 = 12
)

var typeToString = map[uint16]string{
	TypeA:     "A",
	TypeNS:    "NS",
	TypeCNAME: "CNAME",
	TypeSOA:   "SOA",
	TypePTR:   "PTR",
	TypeMX:    "MX",
	TypeTXT:   "TXT",
	TypeAAAA:  "AAAA",
	TypeSRV:   "SRV",
	TypeOPT:   "OPT",
	TypeANY:   "ANY",
}

var rcodeToString = map[int]string{
	RcodeSuccess:        "NOERROR",
	RcodeFormatError:    "FORMERR",
	RcodeServerFailure:  "SERVFAIL",
	RcodeNameError:      "NXDOMAIN",
	RcodeNotImplemented: "NOTIMP",
	RcodeRefused:        "REFUSED",
}

// TypeString returns the text mnemonic for a record type, or "TYPE"
// followed by its decimal value for types the codec doesn't know by name.
func TypeString(t uint16) string {
	if s, ok := typeToString[t]; ok {
		return s
	}
	return "TYPE" + uitoa(uint32(t))
}

// RcodeString returns the text mnemonic for a response code.
func RcodeString(rcode int) string {
	if s, ok := rcodeToString[rcode]; ok {
		return s
	}
	return "RCODE" + uitoa(uint32(rcode))
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
