package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DNSRecord is one DNS question projected out of a capture file, with any
// resolved payload the same packet stream carried.
type DNSRecord struct {
	Name      string
	Type      int
	Addresses []string
	CNAMEs    []string
	Timestamp time.Time
	SrcIP     string
	DstIP     string
}

// Dissector extracts DNS records from a capture file.
type Dissector interface {
	ExtractDNS(ctx context.Context, path string) ([]DNSRecord, error)
}

// DNSTypeSymbol maps a numeric DNS query type to its symbol, falling back to
// TYPE<n> for anything outside the known set.
func DNSTypeSymbol(n int) string {
	switch n {
	case 1:
		return "A"
	case 2:
		return "NS"
	case 5:
		return "CNAME"
	case 15:
		return "MX"
	case 16:
		return "TXT"
	case 28:
		return "AAAA"
	default:
		return fmt.Sprintf("TYPE%d", n)
	}
}

// PcapDissector reads capture files in-process and decodes the DNS layer.
// It is the default dissector; no external tooling required.
type PcapDissector struct{}

// ExtractDNS walks every packet in the file and projects DNS questions.
// Response packets contribute their A/AAAA/CNAME payload to the emitted
// record for the answered question.
func (PcapDissector) ExtractDNS(ctx context.Context, path string) ([]DNSRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}

	var records []DNSRecord
	for {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		data, ci, err := r.ReadPacketData()
		if err != nil {
			// io.EOF and truncated trailing packets both end the walk.
			break
		}

		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.Lazy)
		dnsLayer := pkt.Layer(layers.LayerTypeDNS)
		if dnsLayer == nil {
			continue
		}
		dns, ok := dnsLayer.(*layers.DNS)
		if !ok || len(dns.Questions) == 0 {
			continue
		}

		srcIP, dstIP := packetIPs(pkt)
		for _, q := range dns.Questions {
			rec := DNSRecord{
				Name:      string(q.Name),
				Type:      int(q.Type),
				Timestamp: ci.Timestamp,
				SrcIP:     srcIP,
				DstIP:     dstIP,
			}
			if dns.QR {
				for _, a := range dns.Answers {
					switch a.Type {
					case layers.DNSTypeA, layers.DNSTypeAAAA:
						if a.IP != nil {
							rec.Addresses = append(rec.Addresses, a.IP.String())
						}
					case layers.DNSTypeCNAME:
						if len(a.CNAME) > 0 {
							rec.CNAMEs = append(rec.CNAMEs, string(a.CNAME))
						}
					}
				}
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func packetIPs(pkt gopacket.Packet) (src, dst string) {
	if l := pkt.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		return ip.SrcIP.String(), ip.DstIP.String()
	}
	if l := pkt.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		return ip.SrcIP.String(), ip.DstIP.String()
	}
	return "", ""
}

// TsharkDissector shells out to tshark for environments where the capture
// files use formats the in-process reader does not handle (pcapng from other
// tools, exotic link types).
type TsharkDissector struct {
	// Binary overrides the tshark executable path.
	Binary string
}

var tsharkFields = []string{
	"dns.qry.name",
	"dns.qry.type",
	"dns.a",
	"dns.aaaa",
	"dns.cname",
	"frame.time_epoch",
	"ip.src",
	"ip.dst",
}

// ExtractDNS invokes tshark with a DNS display filter and parses its
// tab-separated field output.
func (t TsharkDissector) ExtractDNS(ctx context.Context, path string) ([]DNSRecord, error) {
	bin := t.Binary
	if bin == "" {
		bin = "tshark"
	}

	args := []string{"-r", path, "-Y", "dns.qry.name", "-T", "fields", "-E", "separator=/t"}
	for _, f := range tsharkFields {
		args = append(args, "-e", f)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tshark %s: %w", path, err)
	}

	var records []DNSRecord
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < len(tsharkFields) || fields[0] == "" {
			continue
		}
		rec := DNSRecord{Name: fields[0]}
		rec.Type = parseDNSType(fields[1])
		if fields[2] != "" {
			rec.Addresses = append(rec.Addresses, strings.Split(fields[2], ",")...)
		}
		if fields[3] != "" {
			rec.Addresses = append(rec.Addresses, strings.Split(fields[3], ",")...)
		}
		if fields[4] != "" {
			rec.CNAMEs = strings.Split(fields[4], ",")
		}
		if epoch, err := strconv.ParseFloat(fields[5], 64); err == nil {
			sec := int64(epoch)
			rec.Timestamp = time.Unix(sec, int64((epoch-float64(sec))*1e9))
		}
		rec.SrcIP = fields[6]
		rec.DstIP = fields[7]
		records = append(records, rec)
	}
	return records, sc.Err()
}

func parseDNSType(s string) int {
	// tshark emits either decimal or 0x-prefixed hex depending on version.
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 32); err == nil && strings.HasPrefix(s, "0x") {
		return int(v)
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return 0
}
