package cfg

import (
	"github.com/caarlos0/env/v11"
)

type Config struct {
	// TargetPCIDev selects the device whose p2p memory pool backs the
	// exposed region. Accepted forms are "dddd:bb:ss.f" and "bb:ss.f"
	// (hexadecimal, domain defaults to 0).
	TargetPCIDev string `env:"TARGET_PCI_DEV"`
	// P2PMemSize is the number of bytes reserved from the pool. Must be
	// a positive multiple of the host page size.
	P2PMemSize int64  `env:"P2PMEM_SIZE"  envDefault:"4096"`
	SocketPath string `env:"SOCKET_PATH"  envDefault:"/run/p2pmmap.sock"`
	Debug      bool   `env:"DEBUG"`
}

func Parse() (Config, error) {
	return env.ParseAs[Config]()
}
