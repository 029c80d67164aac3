package main

import "testing"

func buildConfigDescriptor(t *testing.T, endpoints []EndpointDescriptor) []byte {
	t.Helper()

	cfg := []byte{9, DescTypeConfiguration, 0, 0, 1, 1, 0, 0x80, 50}
	iface := []byte{9, DescTypeInterface, 0, 0, byte(len(endpoints)), 0, 0, 0, 0}

	buf := append([]byte{}, cfg...)
	buf = append(buf, iface...)
	for _, e := range endpoints {
		buf = append(buf, e.Length, e.DescriptorType, e.EndpointAddress, e.Attributes,
			byte(e.MaxPacketSize), byte(e.MaxPacketSize>>8), e.Interval)
	}
	return buf
}

func TestWalkConfigurationDescriptor(t *testing.T) {
	eps := []EndpointDescriptor{
		{Length: 7, DescriptorType: DescTypeEndpoint, EndpointAddress: 0x81, Attributes: byte(EndpointIsochronous), Interval: 1},
		{Length: 7, DescriptorType: DescTypeEndpoint, EndpointAddress: 0x02, Attributes: byte(EndpointBulk), Interval: 0},
	}
	cfg := buildConfigDescriptor(t, eps)

	var types []uint8
	err := WalkConfigurationDescriptor(cfg, func(descType uint8, body []byte) error {
		types = append(types, descType)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkConfigurationDescriptor: %v", err)
	}
	want := []uint8{DescTypeConfiguration, DescTypeInterface, DescTypeEndpoint, DescTypeEndpoint}
	if len(types) != len(want) {
		t.Fatalf("got %d descriptors, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("descriptor %d: got type %d, want %d", i, types[i], want[i])
		}
	}
}

func TestFindEndpointDescriptors(t *testing.T) {
	eps := []EndpointDescriptor{
		{Length: 7, DescriptorType: DescTypeEndpoint, EndpointAddress: 0x81, Attributes: byte(EndpointIsochronous), Interval: 1},
	}
	cfg := buildConfigDescriptor(t, eps)

	got, err := FindEndpointDescriptors(cfg)
	if err != nil {
		t.Fatalf("FindEndpointDescriptors: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d endpoints, want 1", len(got))
	}
	if !EndpointDirIn(got[0]) {
		t.Error("expected IN endpoint")
	}
	if EndpointNum(got[0]) != 1 {
		t.Errorf("EndpointNum = %d, want 1", EndpointNum(got[0]))
	}
}

func TestToHighSpeedInterval(t *testing.T) {
	cases := []struct{ in, want uint8 }{
		{0, 0}, {1, 4}, {2, 5}, {3, 5}, {4, 6}, {7, 6}, {8, 7}, {15, 7}, {16, 8}, {31, 8}, {32, 9}, {255, 9},
	}
	for _, c := range cases {
		if got := ToHighSpeedInterval(c.in); got != c.want {
			t.Errorf("ToHighSpeedInterval(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFixFullSpeedEndpointIntervals(t *testing.T) {
	eps := []EndpointDescriptor{
		{Length: 7, DescriptorType: DescTypeEndpoint, EndpointAddress: 0x81, Attributes: byte(EndpointIsochronous), Interval: 1},
		{Length: 7, DescriptorType: DescTypeEndpoint, EndpointAddress: 0x02, Attributes: byte(EndpointBulk), Interval: 5},
	}
	cfg := buildConfigDescriptor(t, eps)

	if err := FixFullSpeedEndpointIntervals(cfg); err != nil {
		t.Fatalf("FixFullSpeedEndpointIntervals: %v", err)
	}

	got, err := FindEndpointDescriptors(cfg)
	if err != nil {
		t.Fatalf("FindEndpointDescriptors: %v", err)
	}
	if got[0].Interval != 4 {
		t.Errorf("isochronous interval = %d, want 4 (rewritten)", got[0].Interval)
	}
	if got[1].Interval != 5 {
		t.Errorf("bulk interval = %d, want 5 (unchanged)", got[1].Interval)
	}
}

func TestIsGetConfigurationDescriptorReply(t *testing.T) {
	getConfig := [8]byte{0x80, 0x06, 0x00, 0x02, 0x00, 0x00, 0x09, 0x00}
	if !IsGetConfigurationDescriptorReply(getConfig) {
		t.Error("expected GET_DESCRIPTOR(CONFIGURATION) to be recognized")
	}

	getDevice := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	if IsGetConfigurationDescriptorReply(getDevice) {
		t.Error("GET_DESCRIPTOR(DEVICE) must not match")
	}

	setConfig := [8]byte{0x00, 0x09, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	if IsGetConfigurationDescriptorReply(setConfig) {
		t.Error("OUT request must not match")
	}
}

func TestIsDefaultControlPipe(t *testing.T) {
	var zero EndpointDescriptor
	if !IsDefaultControlPipe(zero) {
		t.Error("zeroed descriptor should count as the default control pipe")
	}

	bulk := EndpointDescriptor{EndpointAddress: 0x02, Attributes: byte(EndpointBulk)}
	if IsDefaultControlPipe(bulk) {
		t.Error("non-control endpoint must not be treated as the default control pipe")
	}
}
