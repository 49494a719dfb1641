package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/debashish-mukherjee/go-snmpusm/internal/manager"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usm"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

type options struct {
	target   string
	user     string
	level    v3.SecurityLevel
	auth     v3.AuthProtocol
	authPass string
	priv     v3.PrivProtocol
	privPass string
	walk     string
	oids     []string
	timeout  time.Duration
}

func main() {
	target := flag.String("target", "127.0.0.1:161", "Agent address host:port")
	user := flag.String("user", "", "SNMPv3 security name")
	level := flag.String("level", "", "Security level: noAuthNoPriv, authNoPriv, authPriv (derived from the protocols if empty)")
	auth := flag.String("auth", "", "Auth protocol: MD5,SHA1,SHA224,SHA256,SHA384,SHA512")
	authPass := flag.String("auth-pass", "", "Auth passphrase")
	priv := flag.String("priv", "", "Privacy protocol: DES,AES128")
	privPass := flag.String("priv-pass", "", "Privacy passphrase")
	walk := flag.String("walk", "", "Walk this subtree with GETNEXT instead of GET")
	client := flag.String("client", "native", "Client implementation: native or gosnmp")
	timeout := flag.Duration("timeout", 2*time.Second, "Request timeout")
	discoverOnly := flag.Bool("discover", false, "Only discover the engine ID, boots and time")
	flag.Parse()

	opts, err := buildOptions(*target, *user, *level, *auth, *authPass, *priv, *privPass, *walk, flag.Args(), *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	switch *client {
	case "native":
		err = runNative(opts, *discoverOnly)
	case "gosnmp":
		err = runGoSNMP(opts)
	default:
		err = fmt.Errorf("unknown client %q", *client)
	}
	if err != nil {
		log.Fatalf("probe failed: %v", err)
	}
}

func buildOptions(target, user, level, auth, authPass, priv, privPass, walk string, oids []string, timeout time.Duration) (*options, error) {
	opts := &options{target: target, user: user, authPass: authPass, privPass: privPass, walk: walk, oids: oids, timeout: timeout}
	var err error
	if opts.auth, err = v3.ParseAuthProtocol(auth); err != nil {
		return nil, err
	}
	if opts.priv, err = v3.ParsePrivProtocol(priv); err != nil {
		return nil, err
	}
	switch {
	case level != "":
		if opts.level, err = v3.ParseSecurityLevel(level); err != nil {
			return nil, err
		}
	case opts.priv != v3.PrivNone:
		opts.level = v3.AuthPriv
	case opts.auth != v3.AuthNone:
		opts.level = v3.AuthNoPriv
	default:
		opts.level = v3.NoAuthNoPriv
	}
	if !v3.Supports(opts.level, opts.auth, opts.priv) {
		return nil, fmt.Errorf("level %s needs auth %s and priv %s to be set", opts.level, opts.auth, opts.priv)
	}
	if len(opts.oids) == 0 && opts.walk == "" {
		opts.oids = []string{".1.3.6.1.6.3.10.2.1.1.0", ".1.3.6.1.6.3.10.2.1.2.0", ".1.3.6.1.6.3.10.2.1.3.0"}
	}
	return opts, nil
}

func runNative(opts *options, discoverOnly bool) error {
	conn, err := manager.Dial(opts.target, opts.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 4*opts.timeout)
	defer cancel()

	usmCtx := usm.New(usm.Config{})
	defer usmCtx.Shutdown()
	client := manager.New(usmCtx, conn)

	engineID, err := client.Discover(ctx)
	if err != nil {
		return err
	}
	boots, engineTime, _ := usmCtx.Engines.Get(engineID, false)
	log.Printf("Discovered engine %x boots=%d time=%d", engineID, boots, engineTime)
	if discoverOnly {
		return nil
	}

	if opts.user != "" {
		if err := client.AddUser(usmuser.SessionParams{
			SecName:        opts.user,
			AuthProtocol:   opts.auth,
			AuthPassphrase: opts.authPass,
			PrivProtocol:   opts.priv,
			PrivPassphrase: opts.privPass,
		}); err != nil {
			return err
		}
	}

	if opts.walk != "" {
		return client.Walk(ctx, opts.user, opts.level, opts.walk, func(vb gosnmp.SnmpPDU) error {
			printVarbind(vb)
			return nil
		})
	}
	resp, err := client.Get(ctx, opts.user, opts.level, opts.oids...)
	if err != nil {
		return err
	}
	if resp.ErrorStatus != gosnmp.NoError {
		return fmt.Errorf("agent returned error status %d at index %d", resp.ErrorStatus, resp.ErrorIndex)
	}
	for _, vb := range resp.Variables {
		printVarbind(vb)
	}
	return nil
}

// runGoSNMP performs the same request with gosnmp's own USM implementation.
func runGoSNMP(opts *options) error {
	host, portText, err := net.SplitHostPort(opts.target)
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return fmt.Errorf("bad port %q: %w", portText, err)
	}
	g := &gosnmp.GoSNMP{
		Target:        host,
		Port:          uint16(port),
		Version:       gosnmp.Version3,
		Timeout:       opts.timeout,
		Retries:       1,
		MaxOids:       gosnmp.MaxOids,
		SecurityModel: gosnmp.UserSecurityModel,
		MsgFlags:      opts.level.Flags(),
		SecurityParameters: &gosnmp.UsmSecurityParameters{
			UserName:                 opts.user,
			AuthenticationProtocol:   opts.auth.ToGoSNMP(),
			AuthenticationPassphrase: opts.authPass,
			PrivacyProtocol:          opts.priv.ToGoSNMP(),
			PrivacyPassphrase:        opts.privPass,
		},
	}
	if err := g.Connect(); err != nil {
		return err
	}
	defer g.Conn.Close()

	if opts.walk != "" {
		return g.Walk(opts.walk, func(vb gosnmp.SnmpPDU) error {
			printVarbind(vb)
			return nil
		})
	}
	result, err := g.Get(opts.oids)
	if err != nil {
		return err
	}
	for _, vb := range result.Variables {
		printVarbind(vb)
	}
	return nil
}

func printVarbind(vb gosnmp.SnmpPDU) {
	fmt.Printf("%s = %s\n", vb.Name, formatValue(vb))
}

func formatValue(vb gosnmp.SnmpPDU) string {
	switch vb.Type {
	case gosnmp.NoSuchObject:
		return "No Such Object"
	case gosnmp.NoSuchInstance:
		return "No Such Instance"
	case gosnmp.EndOfMibView:
		return "End of MIB View"
	case gosnmp.OctetString:
		if b, ok := vb.Value.([]byte); ok {
			for _, c := range b {
				if c < 0x20 || c > 0x7e {
					return fmt.Sprintf("Hex-STRING: %X", b)
				}
			}
			return fmt.Sprintf("STRING: %q", b)
		}
	}
	return fmt.Sprintf("%v: %v", vb.Type, vb.Value)
}
