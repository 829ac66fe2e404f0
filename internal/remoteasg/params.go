package remoteasg

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
)

var securityGroupIDPattern = "sg-"

// TransformConfig is the environment-scoped configuration the
// parameter transform needs but that isn't part of a single
// deployment's Parameters (spec §6, §9: "adopts... the enriched
// parameter transformations - add healthcheck and monitoring security
// groups; expand zones").
type TransformConfig struct {
	VPCID                    string
	HealthCheckSecurityGroup string
	MonitoringSecurityGroup  string
}

// BuildForm turns a deployment's merged Parameters into the
// form-encoded body the remote service expects, applying the
// transformations spec §6 requires:
//   - subnet_purpose == internal renames selectedLoadBalancers to
//     selectedLoadBalancersForVpcId{vpc_id} and resolves security
//     group names to ids;
//   - zones are prefixed with the region;
//   - the healthcheck/monitoring security groups are appended;
//   - multi-valued keys are repeated in the form, never joined.
func (c *Client) BuildForm(ctx context.Context, region string, params depmodel.Parameters, cfg TransformConfig) (url.Values, error) {
	form := url.Values{}

	securityGroups := params.Strings("selected_security_groups")
	if cfg.HealthCheckSecurityGroup != "" {
		securityGroups = append(securityGroups, cfg.HealthCheckSecurityGroup)
	}
	if cfg.MonitoringSecurityGroup != "" {
		securityGroups = append(securityGroups, cfg.MonitoringSecurityGroup)
	}

	resolvedGroups, err := c.resolveSecurityGroups(ctx, region, securityGroups)
	if err != nil {
		return nil, err
	}
	for _, id := range resolvedGroups {
		form.Add("selectedSecurityGroups", id)
	}

	loadBalancerKey := "selectedLoadBalancers"
	if subnetPurpose, _ := params.String("subnet_purpose"); subnetPurpose == "internal" {
		loadBalancerKey = fmt.Sprintf("selectedLoadBalancersForVpcId%s", cfg.VPCID)
	}
	for _, lb := range params.Strings("selected_load_balancers") {
		form.Add(loadBalancerKey, lb)
	}

	for _, zone := range params.Strings("selected_zones") {
		form.Add("selectedZones", expandZone(region, zone))
	}

	for _, key := range []string{"min", "max", "desired_capacity", "health_check_type", "new_asg_name", "old_asg_name", "subnet_purpose"} {
		if s, ok := params.String(key); ok {
			form.Set(formKey(key), s)
		} else if n, ok := params.Int(key); ok {
			form.Set(formKey(key), fmt.Sprintf("%d", n))
		}
	}

	return form, nil
}

// resolveSecurityGroups translates any name not already shaped like
// an id (spec §6: "not matching ^sg-") via the service's security
// group listing, leaving already-resolved ids untouched.
func (c *Client) resolveSecurityGroups(ctx context.Context, region string, names []string) ([]string, error) {
	needsLookup := false
	for _, n := range names {
		if !strings.HasPrefix(n, securityGroupIDPattern) {
			needsLookup = true
			break
		}
	}
	if !needsLookup {
		return names, nil
	}

	byName, err := c.SecurityGroups(ctx, region)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, securityGroupIDPattern) {
			out = append(out, n)
			continue
		}
		id, ok := byName[n]
		if !ok {
			return nil, depmodel.NewError(depmodel.KindUnknownSecurityGroup,
				fmt.Sprintf("no security group named %q exists in %s", n, region),
				errors.Errorf("unresolved security group %q", n))
		}
		out = append(out, id)
	}
	return out, nil
}

// expandZone prefixes a bare availability-zone suffix with its
// region, e.g. "a" -> "eu-west-1a" (spec §6). A zone already carrying
// the region prefix is passed through unchanged.
func expandZone(region, zone string) string {
	if strings.HasPrefix(zone, region) {
		return zone
	}
	return region + zone
}

// formKey maps a snake_case Parameters key to the camelCase form
// field the remote service expects.
func formKey(key string) string {
	parts := strings.Split(key, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}
