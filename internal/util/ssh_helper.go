package util

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var ipServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
	"https://ipinfo.io/ip",
}

// getPublicIP asks a list of plain-text IP echo services and returns the
// first answer.
func getPublicIP() (string, error) {
	for _, service := range ipServices {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		req, err := http.NewRequestWithContext(ctx, "GET", service, nil)
		if err != nil {
			cancel()
			continue
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			cancel()
			log.Debugf("public IP lookup via %s failed: %v", service, err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		_ = resp.Body.Close()
		cancel()
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}
		if ip := strings.TrimSpace(string(body)); ip != "" {
			return ip, nil
		}
	}
	return "", fmt.Errorf("all IP services failed")
}

// getOutboundIP returns the local address the machine would use for
// outbound traffic. No packets are sent; UDP dial only resolves a route.
func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = conn.Close()
	}()
	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("could not assert UDP address type")
	}
	return localAddr.IP.String(), nil
}

// GetIPAddress returns the best-available address for reaching this host,
// preferring the public IP and falling back to the outbound interface.
func GetIPAddress() string {
	if publicIP, err := getPublicIP(); err == nil {
		return publicIP
	}
	if outboundIP, err := getOutboundIP(); err == nil {
		return outboundIP
	}
	return "127.0.0.1"
}

// PrintSSHTunnelInstructions prints the ssh -L command a user needs so a
// browser on their workstation can reach the OAuth callback server running
// on this machine.
func PrintSSHTunnelInstructions(port int) {
	ipAddress := GetIPAddress()
	border := strings.Repeat("=", 80)
	fmt.Println("To authenticate from a remote machine, an SSH tunnel may be required.")
	fmt.Println(border)
	fmt.Println("  Run one of the following commands on your local machine (NOT the server):")
	fmt.Println()
	fmt.Printf("  # Standard SSH command (assumes SSH port 22):\n")
	fmt.Printf("  ssh -L %d:127.0.0.1:%d root@%s -p 22\n", port, port, ipAddress)
	fmt.Println()
	fmt.Printf("  # If using an SSH key (assumes SSH port 22):\n")
	fmt.Printf("  ssh -i <path_to_your_key> -L %d:127.0.0.1:%d root@%s -p 22\n", port, port, ipAddress)
	fmt.Println()
	fmt.Println("  NOTE: If your server's SSH port is not 22, please modify the '-p 22' part accordingly.")
	fmt.Println(border)
}
