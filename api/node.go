package api

// Kind tells the orchestrator how to realize a node.
type Kind string

const (
	KindHost   Kind = "host"
	KindSwitch Kind = "switch"
	KindRouter Kind = "router"
)

func (k Kind) Valid() bool {
	switch k {
	case KindHost, KindSwitch, KindRouter:
		return true
	}
	return false
}

type Node struct {
	Name         string  `yaml:"name"`
	Kind         Kind    `yaml:"kind"`
	IP           string  `yaml:"ip"`           // CIDR, applied to the first interface
	MAC          string  `yaml:"mac"`          // applied to the first interface
	DefaultRoute string  `yaml:"defaultRoute"` // "via 192.168.1.1" or "192.168.1.1"
	Routes       []Route `yaml:"routes"`
	Role         string  `yaml:"role"`  // role.Lookup name, routers default to "forwarder"
	Image        string  `yaml:"image"` // non-empty: docker-backed node
}

type Interface struct {
	Name string `yaml:"name"`
	Node string `yaml:"node"`
	IP   string `yaml:"ip"` // CIDR
	MAC  string `yaml:"mac"`
}

// Route is installed in a node's namespace after its interfaces are up.
// Dst "default" (or empty) means 0.0.0.0/0.
type Route struct {
	Dst string `yaml:"dst"`
	Via string `yaml:"via"`
	Dev string `yaml:"dev"`
}
