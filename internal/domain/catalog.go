package domain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk / bundled collector catalog shape.
type catalogFile struct {
	Projects []catalogProject `yaml:"projects"`
}

type catalogProject struct {
	Name       string             `yaml:"name"`
	Collectors []catalogCollector `yaml:"collectors"`
}

type catalogCollector struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// LoadCollectors returns the collector catalog. When path is empty the
// bundled default catalog is used; otherwise the YAML file at path replaces
// it entirely.
func LoadCollectors(path string) ([]Collector, error) {
	raw := []byte(defaultCatalog)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read collectors file: %w", err)
		}
		raw = b
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode collectors catalog: %w", err)
	}

	var collectors []Collector
	for _, p := range file.Projects {
		project, err := NormalizeProject(p.Name)
		if err != nil {
			return nil, fmt.Errorf("collectors catalog: %w", err)
		}
		for _, c := range p.Collectors {
			id := strings.TrimSpace(c.ID)
			if id == "" {
				return nil, fmt.Errorf("collectors catalog: empty collector id under project %s", p.Name)
			}
			collectors = append(collectors, Collector{
				ID:              id,
				Project:         project,
				URL:             strings.TrimSuffix(strings.TrimSpace(c.URL), "/"),
				UpdatesInterval: ProjectUpdatesInterval(project),
			})
		}
	}
	if len(collectors) == 0 {
		return nil, fmt.Errorf("collectors catalog contains no collectors")
	}
	return collectors, nil
}

// defaultCatalog is the bundled collector list. URLs are archive roots; the
// RouteViews bgpdata/ segment is appended by Collector.CrawlRoot so that the
// stored root matches the canonical URL reconstruction. rrc17 was never
// activated and is absent upstream.
const defaultCatalog = `
projects:
  - name: riperis
    collectors:
      - {id: rrc00, url: https://data.ris.ripe.net/rrc00}
      - {id: rrc01, url: https://data.ris.ripe.net/rrc01}
      - {id: rrc02, url: https://data.ris.ripe.net/rrc02}
      - {id: rrc03, url: https://data.ris.ripe.net/rrc03}
      - {id: rrc04, url: https://data.ris.ripe.net/rrc04}
      - {id: rrc05, url: https://data.ris.ripe.net/rrc05}
      - {id: rrc06, url: https://data.ris.ripe.net/rrc06}
      - {id: rrc07, url: https://data.ris.ripe.net/rrc07}
      - {id: rrc08, url: https://data.ris.ripe.net/rrc08}
      - {id: rrc09, url: https://data.ris.ripe.net/rrc09}
      - {id: rrc10, url: https://data.ris.ripe.net/rrc10}
      - {id: rrc11, url: https://data.ris.ripe.net/rrc11}
      - {id: rrc12, url: https://data.ris.ripe.net/rrc12}
      - {id: rrc13, url: https://data.ris.ripe.net/rrc13}
      - {id: rrc14, url: https://data.ris.ripe.net/rrc14}
      - {id: rrc15, url: https://data.ris.ripe.net/rrc15}
      - {id: rrc16, url: https://data.ris.ripe.net/rrc16}
      - {id: rrc18, url: https://data.ris.ripe.net/rrc18}
      - {id: rrc19, url: https://data.ris.ripe.net/rrc19}
      - {id: rrc20, url: https://data.ris.ripe.net/rrc20}
      - {id: rrc21, url: https://data.ris.ripe.net/rrc21}
      - {id: rrc22, url: https://data.ris.ripe.net/rrc22}
      - {id: rrc23, url: https://data.ris.ripe.net/rrc23}
      - {id: rrc24, url: https://data.ris.ripe.net/rrc24}
      - {id: rrc25, url: https://data.ris.ripe.net/rrc25}
      - {id: rrc26, url: https://data.ris.ripe.net/rrc26}
  - name: routeviews
    collectors:
      - {id: amsix.ams, url: https://archive.routeviews.org/amsix.ams}
      - {id: cix.atl, url: https://archive.routeviews.org/cix.atl}
      - {id: decix.jhb, url: https://archive.routeviews.org/decix.jhb}
      - {id: iraq-ixp.bgw, url: https://archive.routeviews.org/iraq-ixp.bgw}
      - {id: pacwave.lax, url: https://archive.routeviews.org/pacwave.lax}
      - {id: pit.scl, url: https://archive.routeviews.org/pit.scl}
      - {id: pitmx.qro, url: https://archive.routeviews.org/pitmx.qro}
      - {id: route-views2, url: https://archive.routeviews.org}
      - {id: route-views3, url: https://archive.routeviews.org/route-views3}
      - {id: route-views4, url: https://archive.routeviews.org/route-views4}
      - {id: route-views5, url: https://archive.routeviews.org/route-views5}
      - {id: route-views6, url: https://archive.routeviews.org/route-views6}
      - {id: route-views7, url: https://archive.routeviews.org/route-views7}
      - {id: route-views.amsix, url: https://archive.routeviews.org/route-views.amsix}
      - {id: route-views.chicago, url: https://archive.routeviews.org/route-views.chicago}
      - {id: route-views.chile, url: https://archive.routeviews.org/route-views.chile}
      - {id: route-views.eqix, url: https://archive.routeviews.org/route-views.eqix}
      - {id: route-views.flix, url: https://archive.routeviews.org/route-views.flix}
      - {id: route-views.gorex, url: https://archive.routeviews.org/route-views.gorex}
      - {id: route-views.isc, url: https://archive.routeviews.org/route-views.isc}
      - {id: route-views.kixp, url: https://archive.routeviews.org/route-views.kixp}
      - {id: route-views.jinx, url: https://archive.routeviews.org/route-views.jinx}
      - {id: route-views.linx, url: https://archive.routeviews.org/route-views.linx}
      - {id: route-views.napafrica, url: https://archive.routeviews.org/route-views.napafrica}
      - {id: route-views.nwax, url: https://archive.routeviews.org/route-views.nwax}
      - {id: route-views.phoix, url: https://archive.routeviews.org/route-views.phoix}
      - {id: route-views.telxatl, url: https://archive.routeviews.org/route-views.telxatl}
      - {id: route-views.wide, url: https://archive.routeviews.org/route-views.wide}
      - {id: route-views.sydney, url: https://archive.routeviews.org/route-views.sydney}
      - {id: route-views.saopaulo, url: https://archive.routeviews.org/route-views.saopaulo}
      - {id: route-views2.saopaulo, url: https://archive.routeviews.org/route-views2.saopaulo}
      - {id: route-views.sg, url: https://archive.routeviews.org/route-views.sg}
      - {id: route-views.perth, url: https://archive.routeviews.org/route-views.perth}
      - {id: route-views.peru, url: https://archive.routeviews.org/route-views.peru}
      - {id: route-views.sfmix, url: https://archive.routeviews.org/route-views.sfmix}
      - {id: route-views.siex, url: https://archive.routeviews.org/route-views.siex}
      - {id: route-views.soxrs, url: https://archive.routeviews.org/route-views.soxrs}
      - {id: route-views.mwix, url: https://archive.routeviews.org/route-views.mwix}
      - {id: route-views.rio, url: https://archive.routeviews.org/route-views.rio}
      - {id: route-views.fortaleza, url: https://archive.routeviews.org/route-views.fortaleza}
      - {id: route-views.gixa, url: https://archive.routeviews.org/route-views.gixa}
      - {id: route-views.bdix, url: https://archive.routeviews.org/route-views.bdix}
      - {id: route-views.bknix, url: https://archive.routeviews.org/route-views.bknix}
      - {id: route-views.ny, url: https://archive.routeviews.org/route-views.ny}
      - {id: route-views.uaeix, url: https://archive.routeviews.org/route-views.uaeix}
`
