// Package coverage merges the per-job coverage artifacts of a matrix into a
// single Cobertura report and submits it to a coverage service.
package coverage

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Cobertura is the subset of the Cobertura XML schema emitted by
// `coverage xml` that the merge needs.
type Cobertura struct {
	XMLName         xml.Name  `xml:"coverage"`
	Version         string    `xml:"version,attr,omitempty"`
	Timestamp       string    `xml:"timestamp,attr,omitempty"`
	LinesValid      int       `xml:"lines-valid,attr"`
	LinesCovered    int       `xml:"lines-covered,attr"`
	LineRate        string    `xml:"line-rate,attr"`
	BranchesValid   int       `xml:"branches-valid,attr"`
	BranchesCovered int       `xml:"branches-covered,attr"`
	BranchRate      string    `xml:"branch-rate,attr"`
	Complexity      string    `xml:"complexity,attr"`
	Sources         []string  `xml:"sources>source"`
	Packages        []Package `xml:"packages>package"`
}

type Package struct {
	Name       string  `xml:"name,attr"`
	LineRate   string  `xml:"line-rate,attr"`
	BranchRate string  `xml:"branch-rate,attr"`
	Complexity string  `xml:"complexity,attr"`
	Classes    []Class `xml:"classes>class"`
}

type Class struct {
	Name       string   `xml:"name,attr"`
	Filename   string   `xml:"filename,attr"`
	LineRate   string   `xml:"line-rate,attr"`
	BranchRate string   `xml:"branch-rate,attr"`
	Complexity string   `xml:"complexity,attr"`
	Methods    struct{} `xml:"methods"`
	Lines      []Line   `xml:"lines>line"`
}

type Line struct {
	Number int `xml:"number,attr"`
	Hits   int `xml:"hits,attr"`
}

// Parse decodes a Cobertura document.
func Parse(r io.Reader) (*Cobertura, error) {
	var doc Cobertura
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("unable to parse coverage xml: %v", err)
	}
	for _, p := range doc.Packages {
		for _, c := range p.Classes {
			if c.Filename == "" {
				return nil, fmt.Errorf("class %s in package %s has no filename", c.Name, p.Name)
			}
			for _, l := range c.Lines {
				if l.Number <= 0 || l.Hits < 0 {
					return nil, fmt.Errorf("invalid line %d (hits %d) in %s", l.Number, l.Hits, c.Filename)
				}
			}
		}
	}
	return &doc, nil
}

func rate(covered, valid int) string {
	if valid == 0 {
		return "1"
	}
	return strconv.FormatFloat(float64(covered)/float64(valid), 'f', 4, 64)
}

// Render writes the report as a Cobertura document.
func (r *Report) Render(w io.Writer) error {
	doc := Cobertura{
		Version:      "dotci",
		Timestamp:    strconv.FormatInt(r.Timestamp.UnixMilli(), 10),
		LinesValid:   r.LinesValid(),
		LinesCovered: r.LinesCovered(),
		LineRate:     rate(r.LinesCovered(), r.LinesValid()),
		BranchRate:   "0",
		Complexity:   "0",
		Sources:      r.Sources,
	}

	byPackage := make(map[string][]string)
	for name, f := range r.Files {
		byPackage[f.Package] = append(byPackage[f.Package], name)
	}
	pkgNames := make([]string, 0, len(byPackage))
	for p := range byPackage {
		pkgNames = append(pkgNames, p)
	}
	sort.Strings(pkgNames)

	for _, p := range pkgNames {
		files := byPackage[p]
		sort.Strings(files)
		pkg := Package{Name: p, BranchRate: "0", Complexity: "0"}
		pkgValid, pkgCovered := 0, 0
		for _, name := range files {
			f := r.Files[name]
			valid, covered := f.counts()
			pkgValid += valid
			pkgCovered += covered
			pkg.Classes = append(pkg.Classes, Class{
				Name:       f.Class,
				Filename:   name,
				LineRate:   rate(covered, valid),
				BranchRate: "0",
				Complexity: "0",
				Lines:      f.sortedLines(),
			})
		}
		pkg.LineRate = rate(pkgCovered, pkgValid)
		doc.Packages = append(doc.Packages, pkg)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("unable to render coverage xml: %v", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}
