package dds

import (
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RTPS well-known port parameters.
const (
	portBase        = 7400
	domainGain      = 250
	unicastOffset   = 10
	participantGain = 2
	maxDomainID     = 232

	defaultAnnouncePeriod  = 200 * time.Millisecond
	defaultLeaseDuration   = 3 * time.Second
	defaultMaxParticipants = 8
)

//go:embed profiles.yaml
var builtinProfiles []byte

// ErrUnknownProfile is returned when no profile has the requested name.
var ErrUnknownProfile = errors.New("dds: unknown participant profile")

// Profile configures one participant.
type Profile struct {
	Name      string    `yaml:"name"`
	DomainID  int       `yaml:"domain_id"`
	Discovery Discovery `yaml:"discovery"`
	Data      Data      `yaml:"data"`
}

// Discovery configures participant announcements.
type Discovery struct {
	// Multicast is the discovery group, with an optional :port.
	Multicast string `yaml:"multicast,omitempty"`
	// Unicast is the host whose participant ports are used for
	// unicast discovery when Multicast is empty.
	Unicast string `yaml:"unicast,omitempty"`
	// Peers are extra hosts, or host:port, that receive announcements.
	Peers           []string      `yaml:"peers,omitempty"`
	MaxParticipants int           `yaml:"max_participants,omitempty"`
	AnnouncePeriod  time.Duration `yaml:"announce_period,omitempty"`
	LeaseDuration   time.Duration `yaml:"lease_duration,omitempty"`
}

// Data configures the user-data listeners of readers.
type Data struct {
	Interface string `yaml:"interface,omitempty"`
	// Advertise overrides the host put in reader locators.
	Advertise string `yaml:"advertise,omitempty"`
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// MulticastPort is the discovery multicast port of a domain.
func MulticastPort(domain int) int {
	return portBase + domainGain*domain
}

// UnicastPort is the unicast discovery port of participant pid in a
// domain.
func UnicastPort(domain, pid int) int {
	return portBase + domainGain*domain + unicastOffset + participantGain*pid
}

// BuiltinProfiles returns the embedded profiles.
func BuiltinProfiles() ([]Profile, error) {
	return parseProfiles(builtinProfiles)
}

// LoadProfiles returns the built-in profiles overlaid with those in
// path. An empty path returns the built-ins.
func LoadProfiles(path string) ([]Profile, error) {
	profiles, err := BuiltinProfiles()
	if err != nil {
		return nil, fmt.Errorf("load built-in profiles: %w", err)
	}

	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}

	extra, err := parseProfiles(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	byName := make(map[string]Profile, len(profiles)+len(extra))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	for _, p := range extra {
		byName[p.Name] = p
	}

	merged := make([]Profile, 0, len(byName))
	for _, p := range byName {
		merged = append(merged, p)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })

	return merged, nil
}

// FindProfile returns the profile called name.
func FindProfile(profiles []Profile, name string) (Profile, error) {
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}

	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

func parseProfiles(data []byte) ([]Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	for i := range f.Profiles {
		f.Profiles[i].applyDefaults()

		if err := f.Profiles[i].Validate(); err != nil {
			return nil, err
		}
	}

	return f.Profiles, nil
}

func (p *Profile) applyDefaults() {
	if p.Discovery.AnnouncePeriod <= 0 {
		p.Discovery.AnnouncePeriod = defaultAnnouncePeriod
	}
	if p.Discovery.LeaseDuration <= 0 {
		p.Discovery.LeaseDuration = defaultLeaseDuration
	}
	if p.Discovery.MaxParticipants <= 0 {
		p.Discovery.MaxParticipants = defaultMaxParticipants
	}
	if p.Data.Interface == "" {
		p.Data.Interface = "0.0.0.0"
	}
}

// Validate checks a profile after defaults were applied.
func (p Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile without a name")
	}

	if p.DomainID < 0 || p.DomainID > maxDomainID {
		return fmt.Errorf("profile %s: domain_id %d outside 0-%d", p.Name, p.DomainID, maxDomainID)
	}

	if p.Discovery.Multicast == "" && p.Discovery.Unicast == "" {
		return fmt.Errorf("profile %s: discovery needs multicast or unicast", p.Name)
	}

	if p.Discovery.Multicast != "" {
		addr, err := p.multicastAddr()
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if !addr.IP.IsMulticast() {
			return fmt.Errorf("profile %s: %s is not a multicast group", p.Name, addr.IP)
		}
	}

	if p.Discovery.LeaseDuration <= p.Discovery.AnnouncePeriod {
		return fmt.Errorf("profile %s: lease_duration %s must exceed announce_period %s",
			p.Name, p.Discovery.LeaseDuration, p.Discovery.AnnouncePeriod)
	}

	if net.ParseIP(p.Data.Interface) == nil {
		return fmt.Errorf("profile %s: data interface %q is not an IP address", p.Name, p.Data.Interface)
	}

	return nil
}

func (p Profile) multicastAddr() (*net.UDPAddr, error) {
	return withDefaultPort(p.Discovery.Multicast, MulticastPort(p.DomainID))
}

// discoveryTargets lists where announcements go, except own.
func (p Profile) discoveryTargets(own *net.UDPAddr) ([]*net.UDPAddr, error) {
	var targets []*net.UDPAddr

	add := func(a *net.UDPAddr) {
		if own != nil && a.IP.Equal(own.IP) && a.Port == own.Port {
			return
		}
		targets = append(targets, a)
	}

	addHost := func(host string) error {
		if _, _, err := net.SplitHostPort(host); err == nil {
			a, err := net.ResolveUDPAddr("udp4", host)
			if err != nil {
				return err
			}
			add(a)

			return nil
		}

		if p.Discovery.Multicast != "" {
			a, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(MulticastPort(p.DomainID))))
			if err != nil {
				return err
			}
			add(a)

			return nil
		}

		for pid := 0; pid < p.Discovery.MaxParticipants; pid++ {
			a, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(UnicastPort(p.DomainID, pid))))
			if err != nil {
				return err
			}
			add(a)
		}

		return nil
	}

	if p.Discovery.Multicast != "" {
		group, err := p.multicastAddr()
		if err != nil {
			return nil, err
		}
		targets = append(targets, group)
	} else if err := addHost(p.Discovery.Unicast); err != nil {
		return nil, err
	}

	for _, peer := range p.Discovery.Peers {
		if err := addHost(peer); err != nil {
			return nil, fmt.Errorf("peer %q: %w", peer, err)
		}
	}

	return targets, nil
}

func withDefaultPort(hostport string, port int) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		hostport = net.JoinHostPort(hostport, strconv.Itoa(port))
	}

	return net.ResolveUDPAddr("udp4", hostport)
}
