package wire

import "testing"

func TestParseListener(t *testing.T) {
	cases := []struct {
		spec string
		want Endpoint
	}{
		{"9312", Endpoint{Kind: EndpointPortOnly, Port: 9312, Protocol: ProtoLegacyBinary}},
		{"127.0.0.1:9312", Endpoint{Kind: EndpointAddrPort, Address: "127.0.0.1", Port: 9312, Protocol: ProtoLegacyBinary}},
		{"0.0.0.0:9312-9316", Endpoint{Kind: EndpointPortRange, Address: "0.0.0.0", PortStart: 9312, PortCount: 4, Protocol: ProtoLegacyBinary}},
		{"/var/run/searchd.sock", Endpoint{Kind: EndpointPath, Path: "/var/run/searchd.sock", Protocol: ProtoLegacyBinary}},
		{"9306:mysql41", Endpoint{Kind: EndpointPortOnly, Port: 9306, Protocol: ProtoMySQLWire}},
		{"192.168.0.1:9312_vip", Endpoint{Kind: EndpointAddrPort, Address: "192.168.0.1", Port: 9312, Protocol: ProtoLegacyBinary, VIP: true}},
	}

	for _, c := range cases {
		got, err := ParseListener(c.spec)
		if err != nil {
			t.Fatalf("ParseListener(%q): unexpected error: %v", c.spec, err)
		}
		if got != c.want {
			t.Fatalf("ParseListener(%q) = %+v, want %+v", c.spec, got, c.want)
		}
	}
}

func TestParseListenerRoundTrip(t *testing.T) {
	specs := []string{
		"9312",
		"127.0.0.1:9312",
		"0.0.0.0:9312-9316",
		"/var/run/searchd.sock",
		"9306:mysql41",
		"192.168.0.1:9312_vip",
		"10.0.0.5:9312-9320:http_vip",
	}

	for _, spec := range specs {
		ep, err := ParseListener(spec)
		if err != nil {
			t.Fatalf("ParseListener(%q): %v", spec, err)
		}
		reparsed, err := ParseListener(ep.Format())
		if err != nil {
			t.Fatalf("ParseListener(Format(%q)) = %v: %v", spec, ep.Format(), err)
		}
		if reparsed != ep {
			t.Fatalf("round trip mismatch for %q: got %+v, want %+v", spec, reparsed, ep)
		}
	}
}

func TestParseListenerRejectsBadRanges(t *testing.T) {
	bad := []string{
		"0.0.0.0:9312-9313", // span of 1, must be >= 2
		"0.0.0.0:9320-9310", // end before start
		"70000",             // out of port range
		"0",                 // out of port range
	}

	for _, spec := range bad {
		if _, err := ParseListener(spec); err == nil {
			t.Fatalf("ParseListener(%q): expected error, got none", spec)
		}
	}
}
