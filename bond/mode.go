package bond

import "fmt"

// Mode is a bond mode.
type Mode uint8

// Mode constants.
const (
	ModeNone         Mode = iota // none
	ModeActiveBackup             // active-backup
	Mode8023AD                   // 802.3ad
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeActiveBackup:
		return "active-backup"
	case Mode8023AD:
		return "802.3ad"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ModeByName converts string bond mode into a constant.
func ModeByName(mode string) (Mode, error) {
	switch mode {
	case "", "none":
		return ModeNone, nil
	case "active-backup":
		return ModeActiveBackup, nil
	case "802.3ad":
		return Mode8023AD, nil
	default:
		return 0, fmt.Errorf("invalid bond mode %q", mode)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) (err error) {
	*m, err = ModeByName(string(b))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// HashPolicy is the transmit hash policy of an 802.3ad group.
// The ordering follows linux/if_bonding.h, encapsulated variants last.
type HashPolicy uint8

// HashPolicy constants.
const (
	HashLayer2  HashPolicy = iota // layer2
	HashLayer34                   // layer3+4
	HashLayer23                   // layer2+3
	HashEncap23                   // encap2+3
	HashEncap34                   // encap3+4
)

func (p HashPolicy) String() string {
	switch p {
	case HashLayer2:
		return "layer2"
	case HashLayer34:
		return "layer3+4"
	case HashLayer23:
		return "layer2+3"
	case HashEncap23:
		return "encap2+3"
	case HashEncap34:
		return "encap3+4"
	}
	return fmt.Sprintf("HashPolicy(%d)", uint8(p))
}

// HashPolicyByName converts string hash policy into a constant.
func HashPolicyByName(policy string) (HashPolicy, error) {
	switch policy {
	case "", "layer2":
		return HashLayer2, nil
	case "layer3+4":
		return HashLayer34, nil
	case "layer2+3":
		return HashLayer23, nil
	case "encap2+3":
		return HashEncap23, nil
	case "encap3+4":
		return HashEncap34, nil
	default:
		return 0, fmt.Errorf("invalid xmit hash policy %q", policy)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *HashPolicy) UnmarshalText(b []byte) (err error) {
	*p, err = HashPolicyByName(string(b))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (p HashPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// isEncap reports whether the policy hashes the encapsulated ether-type
// of VLAN tagged frames.
func (p HashPolicy) isEncap() bool { return p > HashLayer23 }

// Kind is the link layer of a group's members.
type Kind uint8

const (
	KindEthernet Kind = iota
	KindInfiniBand
)

func (k Kind) String() string {
	if k == KindInfiniBand {
		return "infiniband"
	}
	return "ethernet"
}

// KindByName converts string link layer name into a constant.
func KindByName(kind string) (Kind, error) {
	switch kind {
	case "", "ethernet", "eth":
		return KindEthernet, nil
	case "infiniband", "ib":
		return KindInfiniBand, nil
	default:
		return 0, fmt.Errorf("invalid link layer %q", kind)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) (err error) {
	*k, err = KindByName(string(b))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
