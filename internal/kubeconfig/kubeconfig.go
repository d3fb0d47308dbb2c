// Package kubeconfig renders a client configuration for an EKS cluster from
// the stack outputs.
package kubeconfig

import (
	"encoding/base64"

	"github.com/pkg/errors"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// Params are the cluster values needed to build a kubeconfig.
type Params struct {
	ClusterName string
	Endpoint    string
	// CAData is the base64 encoded certificate authority bundle as
	// returned by EKS.
	CAData string
	Region string
}

// Config builds a kubeconfig that authenticates with `aws eks get-token`.
func Config(p Params) (*clientcmdapi.Config, error) {
	if p.ClusterName == "" || p.Endpoint == "" || p.CAData == "" {
		return nil, errors.New("kubeconfig needs cluster name, endpoint and certificate authority data")
	}
	cert, err := base64.StdEncoding.DecodeString(p.CAData)
	if err != nil {
		return nil, errors.Wrap(err, "decode certificate authority data")
	}

	args := []string{"eks", "get-token", "--cluster-name", p.ClusterName}
	if p.Region != "" {
		args = append(args, "--region", p.Region)
	}

	const name = "aws"
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters["kubernetes"] = &clientcmdapi.Cluster{
		Server:                   p.Endpoint,
		CertificateAuthorityData: cert,
	}
	cfg.Contexts[name] = &clientcmdapi.Context{
		Cluster:  "kubernetes",
		AuthInfo: name,
	}
	cfg.AuthInfos[name] = &clientcmdapi.AuthInfo{
		Exec: &clientcmdapi.ExecConfig{
			APIVersion:      "client.authentication.k8s.io/v1beta1",
			Command:         "aws",
			Args:            args,
			InteractiveMode: clientcmdapi.NeverExecInteractiveMode,
		},
	}
	cfg.CurrentContext = name
	return cfg, nil
}

// Render returns the serialized form of Config.
func Render(p Params) (string, error) {
	cfg, err := Config(p)
	if err != nil {
		return "", err
	}
	out, err := clientcmd.Write(*cfg)
	if err != nil {
		return "", errors.Wrap(err, "marshal kubeconfig")
	}
	return string(out), nil
}
