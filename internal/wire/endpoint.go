package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// EndpointKind distinguishes the four listener address shapes the grammar
// accepts.
type EndpointKind int

const (
	EndpointAddrPort EndpointKind = iota
	EndpointPortOnly
	EndpointPortRange
	EndpointPath
)

// Endpoint is one parsed listener specification:
//
//	listen := (address ":" port | port | path | address ":" portStart "-" portEnd) [":" protocol] ["_vip"]
//	protocol := "sphinx" | "mysql41" | "http" | "replication"
type Endpoint struct {
	Kind       EndpointKind
	Address    string // empty means "all interfaces"
	Port       int    // set for AddrPort and PortOnly
	PortStart  int    // set for PortRange
	PortCount  int    // set for PortRange, count >= 2
	Path       string // set for EndpointPath
	Protocol   Protocol
	VIP        bool
}

// protocolAlias maps the grammar's on-wire protocol tokens to the
// Protocol values used throughout the rest of the core.
var protocolAlias = map[string]Protocol{
	"sphinx":      ProtoLegacyBinary,
	"mysql41":     ProtoMySQLWire,
	"http":        ProtoHTTP,
	"replication": ProtoReplication,
}

var protocolToken = map[Protocol]string{
	ProtoLegacyBinary: "sphinx",
	ProtoMySQLWire:    "mysql41",
	ProtoHTTP:         "http",
	ProtoReplication:  "replication",
}

// ParseListener parses one listen specification per the §6 grammar.
func ParseListener(spec string) (Endpoint, error) {
	s := spec
	var ep Endpoint
	ep.Protocol = ProtoLegacyBinary

	if strings.HasSuffix(s, "_vip") {
		ep.VIP = true
		s = strings.TrimSuffix(s, "_vip")
	}

	// Split off a trailing ":protocol" token, if the last colon segment
	// names a known protocol rather than a port/range.
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		tail := s[idx+1:]
		if proto, ok := protocolAlias[tail]; ok {
			ep.Protocol = proto
			s = s[:idx]
		}
	}

	if strings.HasPrefix(s, "/") {
		ep.Kind = EndpointPath
		ep.Path = s
		return ep, nil
	}

	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		// bare port, bound to all interfaces
		port, err := strconv.Atoi(s)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse listener %q: invalid port: %w", spec, err)
		}
		if err := validatePort(port); err != nil {
			return Endpoint{}, fmt.Errorf("parse listener %q: %w", spec, err)
		}
		ep.Kind = EndpointPortOnly
		ep.Port = port
		return ep, nil
	}

	ep.Address = s[:idx]
	portPart := s[idx+1:]

	if dash := strings.IndexByte(portPart, '-'); dash >= 0 {
		startStr, endStr := portPart[:dash], portPart[dash+1:]
		start, err := strconv.Atoi(startStr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse listener %q: invalid port range start: %w", spec, err)
		}
		end, err := strconv.Atoi(endStr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse listener %q: invalid port range end: %w", spec, err)
		}
		if err := validatePort(start); err != nil {
			return Endpoint{}, fmt.Errorf("parse listener %q: %w", spec, err)
		}
		if end <= start {
			return Endpoint{}, fmt.Errorf("parse listener %q: portEnd must be greater than portStart", spec)
		}
		if end-start < 2 {
			return Endpoint{}, fmt.Errorf("parse listener %q: port range must span at least 2 ports", spec)
		}
		ep.Kind = EndpointPortRange
		ep.PortStart = start
		ep.PortCount = end - start
		return ep, nil
	}

	port, err := strconv.Atoi(portPart)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse listener %q: invalid port: %w", spec, err)
	}
	if err := validatePort(port); err != nil {
		return Endpoint{}, fmt.Errorf("parse listener %q: %w", spec, err)
	}
	ep.Kind = EndpointAddrPort
	ep.Port = port
	return ep, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", port)
	}
	return nil
}

// Format renders an Endpoint back into the §6 grammar such that
// ParseListener(Format(ep)) == ep for every Endpoint ParseListener accepts.
func (e Endpoint) Format() string {
	var b strings.Builder

	switch e.Kind {
	case EndpointPath:
		b.WriteString(e.Path)
	case EndpointPortOnly:
		b.WriteString(strconv.Itoa(e.Port))
	case EndpointAddrPort:
		b.WriteString(e.Address)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(e.Port))
	case EndpointPortRange:
		b.WriteString(e.Address)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(e.PortStart))
		b.WriteByte('-')
		b.WriteString(strconv.Itoa(e.PortStart + e.PortCount))
	}

	if tok, ok := protocolToken[e.Protocol]; ok && e.Protocol != ProtoLegacyBinary {
		b.WriteByte(':')
		b.WriteString(tok)
	}
	if e.VIP {
		b.WriteString("_vip")
	}

	return b.String()
}
