package stacks

// ARPAge returns the age of the cache entry mapping ip.
func (s *Stack) ARPAge(ip [4]byte) (uint8, bool) {
	for i := range s.arp {
		if s.arp[i].addr == ip {
			return s.arp[i].age, true
		}
	}
	return 0, false
}

// ARPEntries returns the number of occupied cache slots.
func (s *Stack) ARPEntries() (n int) {
	for i := range s.arp {
		if !s.arp[i].isEmpty() {
			n++
		}
	}
	return n
}

var ErrBadTCPOption = errBadTCPOption
