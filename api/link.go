package api

type Link struct {
	Node1   string          `yaml:"node1"`
	Node2   string          `yaml:"node2"`
	Intf1   string          `yaml:"intf1"` // empty: <node1>-eth<N>
	Intf2   string          `yaml:"intf2"`
	Params1 InterfaceParams `yaml:"params1"`
	Params2 InterfaceParams `yaml:"params2"`
}

type InterfaceParams struct {
	IP  string `yaml:"ip"`
	MAC string `yaml:"mac"`
}
