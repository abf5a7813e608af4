package blob

import "fmt"

// StaticKey returns the bucket key for a deployment's static resource.
func StaticKey(deploymentID, resourcePath string) string {
	return fmt.Sprintf("deployments/%s/static/%s", deploymentID, resourcePath)
}

// CertChainKey returns the bucket key for a hostname's certificate chain.
func CertChainKey(hostname string) string {
	return fmt.Sprintf("certs/%s/chain", hostname)
}

// CertKeyKey returns the bucket key for a hostname's private key.
func CertKeyKey(hostname string) string {
	return fmt.Sprintf("certs/%s/key", hostname)
}

// AcmeChallengeKey returns the bucket key for a pending ACME HTTP-01 token.
func AcmeChallengeKey(token string) string {
	return fmt.Sprintf("acme-challenges/%s", token)
}
