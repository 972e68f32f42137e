package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/binzume/xsiconv/converter"
	"github.com/binzume/xsiconv/xsi"
	"github.com/qmuntal/gltf"
)

func defaultOutputFile(input string) string {
	ext := strings.ToLower(filepath.Ext(input))
	base := input[0 : len(input)-len(ext)]
	if ext == ".xsi" {
		return base + ".glb"
	}
	return input + ".glb"
}

func printSceneInfo(doc *xsi.Document) {
	fmt.Println("Name:", doc.Name)
	doc.EachFrame(func(f *xsi.Frame) bool {
		desc := ""
		if f.IsBone {
			desc += " [bone]"
		}
		if f.Mesh != nil {
			desc += fmt.Sprintf(" mesh(verts:%d faces:%d)", len(f.Mesh.Vertices), len(f.Mesh.Faces))
		}
		if len(f.AnimationKeys) > 0 {
			start, end, _ := f.AnimationFrameRange()
			desc += fmt.Sprintf(" anim(%d-%d)", start, end)
		}
		if len(f.Envelopes) > 0 {
			desc += fmt.Sprintf(" envelopes:%d", len(f.Envelopes))
		}
		fmt.Println(" ", f.ChainedName("/")+desc)
		return true
	})
	fmt.Println("Meshes:", len(doc.Meshes()), " Envelopes:", doc.EnvelopeCount())
}

func saveDocument(doc *xsi.Document, output, srcDir string, opt *converter.XSIToGLTFOption) error {
	ext := strings.ToLower(filepath.Ext(output))
	switch ext {
	case ".glb":
		gltfdoc, err := converter.NewXSIToGLTFConverter(opt).Convert(doc, srcDir)
		if err != nil {
			return err
		}
		return gltf.SaveBinary(gltfdoc, output)
	case ".gltf":
		gltfdoc, err := converter.NewXSIToGLTFConverter(opt).Convert(doc, srcDir)
		if err != nil {
			return err
		}
		return gltf.Save(gltfdoc, output)
	case ".xsi":
		return xsi.Save(doc, output)
	}
	return fmt.Errorf("Unsuppored output type: %v", ext)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s input.xsi [output.glb]\n", os.Args[0])
		flag.PrintDefaults()
	}
	scale := flag.Float64("scale", 0, "scene scale (0:config or 1)")
	forceUnlit := flag.Bool("gltfunlit", false, "unlit all materials")
	confFile := flag.String("conf", "", "config file (yaml)")
	skip := flag.String("skip", "", "comma separated block name patterns to skip")
	dupNames := flag.Bool("dupnames", false, "allow duplicate frame names")
	info := flag.Bool("info", false, "print scene info and exit")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return
	}
	input := flag.Arg(0)
	output := flag.Arg(1)
	if output == "" {
		output = defaultOutputFile(input)
	}

	conf := &converter.Config{}
	path := *confFile
	if path == "" {
		path = input[0:len(input)-len(filepath.Ext(input))] + ".xsiconv.yaml"
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path != "" {
		c, err := converter.LoadConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		conf = c
	}

	opts, err := conf.ParseOptions()
	if err != nil {
		log.Fatal(err)
	}
	if *dupNames {
		opts.AllowDuplicateNames = true
	}
	for _, pattern := range strings.Split(*skip, ",") {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Fatal(err)
		}
		opts.Skip = append(opts.Skip, re)
	}

	doc, err := xsi.Load(input, opts)
	if err != nil {
		log.Fatal(err)
	}

	if *info {
		printSceneInfo(doc)
		return
	}

	opt := conf.GLTFOption()
	if *scale != 0 {
		opt.Scale = float32(*scale)
	}
	if *forceUnlit {
		opt.ForceUnlit = true
	}
	if conf.FPS > 0 {
		converter.AnimationFPS = conf.FPS
	}

	if err := saveDocument(doc, output, filepath.Dir(input), opt); err != nil {
		log.Fatal(err)
	}
	log.Print("done: ", output)
}
