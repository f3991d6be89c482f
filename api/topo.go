package api

// TopoConfig is the on-disk topology description.
type TopoConfig struct {
	Nodes []Node `yaml:"nodes"`
	Links []Link `yaml:"links"`
}
