package comm_test

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/crest-lab/zwscan/comm"
)

// echoRemote answers every line with "@" + line, \r\n terminated
func echoRemote(t *testing.T) comm.Opener {
	return func() (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			r := bufio.NewReader(server)
			for {
				line, err := r.ReadBytes('\n')
				if err != nil {
					return
				}
				line = line[:len(line)-1]
				_, err = server.Write(append(append([]byte("@"), line...), '\r', '\n'))
				if err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func newDevice(t *testing.T) *comm.RemoteDevice {
	rd := comm.NewRemoteDevice("pipe", false, &comm.Terminators{Rx: '\n', Tx: '\n'}, nil)
	rd.SetOpener(echoRemote(t))
	return &rd
}

func TestSendRecvStripsTerminators(t *testing.T) {
	rd := newDevice(t)
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("/1 1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "@/1 1" {
		t.Errorf("expected @/1 1, got %q", resp)
	}
}

func TestSendRecvSequential(t *testing.T) {
	rd := newDevice(t)
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	for _, msg := range []string{"a", "bb", "ccc"} {
		resp, err := rd.SendRecv([]byte(msg))
		if err != nil {
			t.Fatal(err)
		}
		if string(resp) != "@"+msg {
			t.Errorf("expected @%s, got %q", msg, resp)
		}
	}
}

func TestSendWithoutOpenIsNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("nowhere", false, nil, nil)
	if err := rd.Send([]byte("x")); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := rd.Recv(); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSerialWithoutConfFails(t *testing.T) {
	rd := comm.NewRemoteDevice("/dev/ttyUSB9", true, nil, nil)
	if err := rd.Open(); err != comm.ErrNoSerialConf {
		t.Errorf("expected ErrNoSerialConf, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rd := newDevice(t)
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	if err := rd.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rd.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}
