// Package verinet assembles a verification node from configuration. It is
// the embedding API: applications that want to run a node in-process build a
// Verinet from a config object and call Init and Run.
package verinet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/verinet/verinet/src/config"
	"github.com/verinet/verinet/src/crypto/keys"
	"github.com/verinet/verinet/src/net"
	"github.com/verinet/verinet/src/node"
	"github.com/verinet/verinet/src/peers"
	"github.com/verinet/verinet/src/service"
	"github.com/verinet/verinet/src/state"
)

// Verinet is a verification node and its HTTP service.
type Verinet struct {
	Config  *config.Config
	Peers   *peers.PeerSet
	Store   state.Store
	Network net.ContentNetwork
	Node    *node.Node
	Service *service.Service
}

// NewVerinet wraps a config object. Call Init before Run.
func NewVerinet(conf *config.Config) *Verinet {
	return &Verinet{
		Config: conf,
	}
}

func (v *Verinet) initKey() error {
	if v.Config.Key == nil {
		simpleKeyfile := keys.NewSimpleKeyfile(v.Config.Keyfile())

		privKey, err := simpleKeyfile.ReadKey()
		if err != nil {
			v.Config.Logger().Warn("Cannot read private key from file", err)

			privKey, err = Keygen(v.Config.DataDir)
			if err != nil {
				v.Config.Logger().Error("Cannot generate a new private key", err)
				return err
			}

			v.Config.Logger().Info("Created a new key:", keys.PublicKeyHex(&privKey.PublicKey))
		}

		v.Config.Key = privKey
	}
	return nil
}

func (v *Verinet) initPeers() error {
	if v.Peers != nil {
		return nil
	}

	peerSet, err := peers.NewJSONPeerSet(v.Config.DataDir).PeerSet()
	if err != nil {
		v.Config.Logger().Debugf("No peers.json found in %s", v.Config.DataDir)
		peerSet = peers.NewPeerSet(nil)
	}

	v.Peers = peerSet

	return nil
}

func (v *Verinet) initStore() error {
	if v.Store != nil {
		return nil
	}

	if !v.Config.Store {
		v.Store = state.NewInmemStore()

		v.Config.Logger().Debug("Created new in-mem store")
	} else {
		v.Config.Logger().WithField("path", v.Config.DatabaseDir).Debug("Attempting to load or create database")

		store, err := state.LoadOrCreateBadgerStore(v.Config.DatabaseDir)
		if err != nil {
			return err
		}

		v.Store = store
	}

	return nil
}

func (v *Verinet) initNetwork() error {
	if v.Network == nil {
		network := net.NewInmemNetwork()
		network.SetPeers(v.Peers.PubKeys())
		v.Network = network
	}
	return nil
}

func (v *Verinet) initNode() error {
	validator := node.NewValidator(v.Config.Key, v.Config.Moniker)

	n, err := node.NewNode(v.Config, validator, v.Peers, v.Store, v.Network)
	if err != nil {
		return err
	}

	if err := n.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	v.Node = n

	return nil
}

func (v *Verinet) initService() error {
	if !v.Config.NoService {
		v.Service = service.NewService(v.Config.ServiceAddr, v.Node, v.Config.Logger())
	}
	return nil
}

// Init assembles the node. The zero-valued fields of the Verinet are filled
// from configuration; pre-set fields (a store, a network, a peer set) are
// kept as is.
func (v *Verinet) Init() error {
	if err := v.initKey(); err != nil {
		return err
	}

	if err := v.initPeers(); err != nil {
		return err
	}

	if err := v.initStore(); err != nil {
		return err
	}

	if err := v.initNetwork(); err != nil {
		return err
	}

	if err := v.initNode(); err != nil {
		return err
	}

	if err := v.initService(); err != nil {
		return err
	}

	return nil
}

// Run serves the API and blocks in the node's main loop.
func (v *Verinet) Run() {
	if v.Service != nil {
		go v.Service.Serve()
	}

	v.Node.Run()
}

// Keygen generates a new key pair under datadir, refusing to overwrite an
// existing one.
func Keygen(datadir string) (*ecdsa.PrivateKey, error) {
	conf := config.NewDefaultConfig()
	conf.SetDataDir(datadir)

	simpleKeyfile := keys.NewSimpleKeyfile(conf.Keyfile())

	if _, err := simpleKeyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("Another key already lives under %s", datadir)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
