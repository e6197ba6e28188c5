package main

import (
	"context"

	"github.com/vishvananda/netlink"
)

// hostHasDefaultRoute reports whether the host has an IPv4 or IPv6 default
// route. The guest shares the host network stack, so without one any package
// download inside the guest will fail.
func hostHasDefaultRoute(ctx context.Context) bool {
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		routes, err := netlink.RouteList(nil, family)
		if err != nil {
			Logger(ctx).Debug("Failed to list routes", "family", family, "error", err)
			continue
		}
		for _, r := range routes {
			if r.Dst == nil {
				return true
			}
			if ones, _ := r.Dst.Mask.Size(); ones == 0 {
				return true
			}
		}
	}
	return false
}
