package oauth

import (
	"fmt"
	"net/url"
	"strings"

	gateway "github.com/eugener/shadowfax/internal"
)

// identityCenterRegions is the fixed allow-list of regions an Identity
// Center instance may live in.
var identityCenterRegions = map[string]bool{
	"us-east-1":      true,
	"us-east-2":      true,
	"us-west-2":      true,
	"eu-west-1":      true,
	"eu-west-2":      true,
	"eu-central-1":   true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ap-northeast-1": true,
	"ca-central-1":   true,
}

func validateIdentityCenterRegion(region string) error {
	if !identityCenterRegions[region] {
		return fmt.Errorf("%w: unsupported identity center region %q", gateway.ErrBadRequest, region)
	}
	return nil
}

func validateStartURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" || !strings.HasSuffix(u.Path, "/start") {
		return fmt.Errorf("%w: start url must look like https://<instance>.awsapps.com/start", gateway.ErrBadRequest)
	}
	return nil
}
