package imagebuild

import (
	"fmt"
	"path"
	"strings"
	"text/template"
)

const (
	baseImage       = "python:3.9-alpine3.13"
	appDir          = "/app"
	entrypointPath  = "/usr/local/bin/stevedore"
	entrypointInTar = ".stevedore/stevedore"
)

var dockerfileTemplate = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"join": strings.Join,
	"staged": func(p string) string {
		return path.Join(manifestStaging, path.Base(p))
	},
	"mode": func(p BuildPlan) string {
		return fmt.Sprintf("%o", p.Storage.Mode.Perm())
	},
}).Parse(`FROM {{ .BaseImage }}
LABEL dev.stevedore.variant="{{ .Plan.Variant.Name }}"

ENV PYTHONUNBUFFERED=1

{{ range .Plan.Install -}}
COPY ./{{ .Path }} {{ staged .Path }}
{{ end -}}
COPY ./{{ .EntrypointInTar }} {{ .EntrypointPath }}
COPY ./app {{ .AppDir }}
WORKDIR {{ .AppDir }}
EXPOSE {{ .Plan.Port }}

RUN python -m venv {{ .Plan.VirtualEnv }} && \
    {{ .Plan.VirtualEnv }}/bin/pip install --upgrade pip && \
    apk add --update --no-cache {{ join .Plan.RuntimePackages " " }} && \
    apk add --update --no-cache --virtual .tmp-build-deps \
        {{ join .Plan.BuildPackages " " }} && \
{{- range .Plan.Install }}
    {{ $.Plan.VirtualEnv }}/bin/pip install -r {{ staged .Path }} && \
{{- end }}
    rm -rf {{ join .Plan.BuildOnlyPaths " " }} && \
    apk del .tmp-build-deps && \
    addgroup -g {{ .Plan.Identity.GroupID }} {{ .Plan.Identity.Name }} && \
    adduser \
        --disabled-password \
        --no-create-home \
        -u {{ .Plan.Identity.UserID }} \
        -G {{ .Plan.Identity.Name }} \
        {{ .Plan.Identity.Name }} && \
    mkdir -p {{ join .Plan.Storage.Dirs " " }} && \
    chown -R {{ .Plan.Identity.Name }}:{{ .Plan.Identity.Name }} {{ .Plan.Storage.Root }} && \
    chmod -R {{ mode .Plan }} {{ .Plan.Storage.Root }}

ENV PATH="{{ .Plan.VirtualEnv }}/bin:$PATH"

USER {{ .Plan.Identity.Name }}

CMD ["stevedore", "entrypoint"]
`))

// Render returns the Dockerfile building plan.
func Render(plan BuildPlan) (string, error) {
	var b strings.Builder
	err := dockerfileTemplate.Execute(&b, struct {
		Plan            BuildPlan
		BaseImage       string
		AppDir          string
		EntrypointPath  string
		EntrypointInTar string
	}{
		Plan:            plan,
		BaseImage:       baseImage,
		AppDir:          appDir,
		EntrypointPath:  entrypointPath,
		EntrypointInTar: entrypointInTar,
	})
	if err != nil {
		return "", fmt.Errorf("render Dockerfile: %w", err)
	}
	return b.String(), nil
}
