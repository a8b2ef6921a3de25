package verinet

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/config"
)

func TestInitFromEmptyDataDir(t *testing.T) {
	dir, err := ioutil.TempDir("", "verinet")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir(dir)
	conf.NoService = true
	conf.TargetBuffer = 2
	conf.RangeSize = 1000

	engine := NewVerinet(conf)

	if err := engine.Init(); err != nil {
		t.Fatal(err)
	}

	if engine.Node == nil {
		t.Fatal("expected a node")
	}
	if engine.Service != nil {
		t.Fatal("no-service should suppress the HTTP service")
	}
	if conf.Key == nil {
		t.Fatal("expected a generated key")
	}

	// the key was persisted and is reused on the next Init
	engine2 := NewVerinet(conf)
	conf.Key = nil

	if err := engine2.Init(); err != nil {
		t.Fatal(err)
	}

	engine.Node.Shutdown()
	engine2.Node.Shutdown()
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	dir, err := ioutil.TempDir("", "verinet")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	if _, err := Keygen(dir); err != nil {
		t.Fatal(err)
	}

	if _, err := Keygen(dir); err == nil {
		t.Fatal("expected an error for an existing key")
	}
}
